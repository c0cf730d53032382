package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/autocare-ai/vehicle-health/internal/api"
	"github.com/autocare-ai/vehicle-health/internal/events"
	"github.com/autocare-ai/vehicle-health/internal/grpc/vehiclehealthv1"
	"github.com/autocare-ai/vehicle-health/internal/ingest"
	"github.com/autocare-ai/vehicle-health/internal/models"
	"github.com/autocare-ai/vehicle-health/internal/simulator"
	"github.com/autocare-ai/vehicle-health/internal/utils"
)

type sink func(ctx context.Context, reading models.VitalReading) error

func main() {
	_ = godotenv.Load()

	var (
		mode        = flag.String("mode", "mqtt", "Delivery mode: mqtt or grpc")
		broker      = flag.String("broker", envOr("AUTOCARE_INGEST_BROKER", "tcp://localhost:1883"), "MQTT broker URL")
		topic       = flag.String("topic", "vehicles/{id}/vitals", "Vitals topic template")
		grpcAddr    = flag.String("grpc", envOr("AUTOCARE_GRPC_ADDRESS", "localhost:50051"), "Diagnosis engine gRPC address")
		apiKey      = flag.String("api-key", os.Getenv("AUTOCARE_API_KEY"), "API key for the gRPC mode")
		natsURL     = flag.String("nats", "", "Optional NATS URL to print diagnosis.completed events")
		vehicles    = flag.Int("vehicles", 8, "Number of simulated vehicles")
		seed        = flag.Uint64("seed", uint64(time.Now().UnixNano()), "Random seed")
		anomalyRate = flag.Float64("anomaly-rate", simulator.DefaultAnomalyRate, "Share of readings with an injected fault")
		interval    = flag.Duration("interval", 5*time.Second, "Time between fleet ticks")
		ticks       = flag.Int("ticks", 0, "Number of ticks to send; 0 runs until interrupted")
		logLevel    = flag.String("log-level", "info", "Log level")
	)
	flag.Parse()

	logger := utils.NewLogger(*logLevel, false)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var send sink
	switch *mode {
	case "mqtt":
		client, err := ingest.Connect(ingest.ClientConfig{
			Broker:   *broker,
			ClientID: fmt.Sprintf("fleet-sim-%d", os.Getpid()),
		}, logger)
		if err != nil {
			logger.Error("failed to connect to broker", slog.Any("error", err))
			os.Exit(1)
		}
		defer client.Disconnect(250)
		pub := ingest.ClientPublisher{Client: client}
		send = func(_ context.Context, r models.VitalReading) error {
			data, err := json.Marshal(r)
			if err != nil {
				return err
			}
			return pub.Publish(strings.ReplaceAll(*topic, "{id}", r.VehicleID), data)
		}
	case "grpc":
		conn, err := grpc.NewClient(*grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			logger.Error("failed to dial diagnosis engine", slog.Any("error", err))
			os.Exit(1)
		}
		defer conn.Close()
		client := vehiclehealthv1.NewDiagnosisEngineClient(conn)
		send = func(ctx context.Context, r models.VitalReading) error {
			req, err := api.DiagnoseRequestToStruct(r, true)
			if err != nil {
				return err
			}
			if *apiKey != "" {
				ctx = metadata.AppendToOutgoingContext(ctx, "x-api-key", *apiKey)
			}
			resp, err := client.Diagnose(ctx, req)
			if err != nil {
				return err
			}
			result, err := api.DiagnosisFromStruct(resp)
			if err != nil {
				return err
			}
			logger.Info("diagnosis", slog.String("vehicle_id", result.VehicleID),
				slog.String("status", string(result.Verdict.Status)), slog.String("summary", result.Verdict.Summary))
			return nil
		}
	default:
		logger.Error("unknown mode", slog.String("mode", *mode))
		os.Exit(2)
	}

	if *natsURL != "" {
		nc, err := events.Connect(*natsURL, "fleet-sim", logger)
		if err != nil {
			logger.Warn("event watch unavailable", slog.Any("error", err))
		} else {
			defer nc.Close()
			_, err := events.Subscribe(nc, "", func(_ context.Context, ev events.DiagnosisEvent) {
				logger.Info("event", slog.String("vehicle_id", ev.VehicleID), slog.String("status", string(ev.Status)),
					slog.String("summary", ev.Summary), slog.Bool("degraded", ev.Degraded))
			})
			if err != nil {
				logger.Warn("event subscription failed", slog.Any("error", err))
			}
		}
	}

	gen := simulator.NewGenerator(simulator.Config{Vehicles: *vehicles, Seed: *seed, AnomalyRate: *anomalyRate})
	logger.Info("fleet simulation started", slog.String("mode", *mode), slog.Any("vehicles", gen.VehicleIDs()),
		slog.Uint64("seed", *seed))

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for n := 0; *ticks == 0 || n < *ticks; n++ {
		sent := 0
		for _, r := range gen.Tick(time.Now()) {
			if err := send(ctx, r); err != nil {
				logger.Warn("send failed", slog.String("vehicle_id", r.VehicleID), slog.Any("error", err))
				continue
			}
			sent++
		}
		logger.Debug("tick sent", slog.Int("tick", n+1), slog.Int("readings", sent))

		select {
		case <-ctx.Done():
			logger.Info("fleet simulation stopped")
			return
		case <-ticker.C:
		}
	}
	logger.Info("fleet simulation finished", slog.Int("ticks", *ticks))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
