package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"praxisguard-backend/services/sensor-service/internal/sink"
	"praxisguard-backend/services/sensor-service/internal/source"
)

type config struct {
	Source       string
	Sink         string
	MachineID    string
	Interval     time.Duration
	HealthyTicks int
	Seed         int64
	GuardURL     string
	NATSURL      string
	Subject      string
	SendTimeout  time.Duration
	OPCUA        source.OPCUAConfig
}

func loadConfig() (config, error) {
	cfg := config{
		Source:       strings.ToLower(getenv("SOURCE", "simulator")),
		Sink:         strings.ToLower(getenv("SINK", "http")),
		MachineID:    getenv("MACHINE_ID", "MAC-101"),
		Interval:     time.Duration(getenvInt("INTERVAL_SECONDS", 5)) * time.Second,
		HealthyTicks: getenvInt("HEALTHY_TICKS", 10),
		Seed:         int64(getenvInt("SEED", int(time.Now().UnixNano()%1_000_000_007))),
		GuardURL:     getenv("GUARD_URL", "http://localhost:8080"),
		NATSURL:      getenv("NATS_URL", "nats://localhost:4222"),
		Subject:      getenv("INGEST_SUBJECT", sink.DefaultSubject),
		SendTimeout:  time.Duration(getenvInt("SEND_TIMEOUT_SECONDS", 5)) * time.Second,
	}
	cfg.OPCUA = source.OPCUAConfig{
		Endpoint:        os.Getenv("OPCUA_ENDPOINT"),
		Username:        os.Getenv("OPCUA_USERNAME"),
		Password:        os.Getenv("OPCUA_PASSWORD"),
		SecurityMode:    os.Getenv("OPCUA_SECURITY_MODE"),
		SecurityPolicy:  os.Getenv("OPCUA_SECURITY_POLICY"),
		PublishInterval: time.Duration(getenvInt("OPCUA_PUBLISH_MS", 1000)) * time.Millisecond,
		MachineID:       cfg.MachineID,
		VibrationNode:   os.Getenv("OPCUA_VIBRATION_NODE"),
		TemperatureNode: os.Getenv("OPCUA_TEMPERATURE_NODE"),
	}
	switch cfg.Source {
	case "simulator", "opcua":
	default:
		return config{}, fmt.Errorf("unsupported source %q", cfg.Source)
	}
	switch cfg.Sink {
	case "http", "nats":
	default:
		return config{}, fmt.Errorf("unsupported sink %q", cfg.Sink)
	}
	return cfg, nil
}

func main() {
	os.Exit(run())
}

func run() int {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("invalid config", slog.String("error", err.Error()))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	src, err := buildSource(cfg, logger)
	if err != nil {
		logger.Error("failed to build source", slog.String("error", err.Error()))
		return 1
	}
	out, err := buildSink(cfg, logger)
	if err != nil {
		logger.Error("failed to build sink", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("collector started",
		slog.String("source", cfg.Source),
		slog.String("sink", cfg.Sink),
		slog.String("machine_id", cfg.MachineID),
	)
	return collect(ctx, logger, src, out, cfg.SendTimeout)
}

// collect forwards samples from src to out until ctx is done or src stops,
// then closes out. It returns the process exit code.
func collect(ctx context.Context, logger *slog.Logger, src source.Source, out sink.Sink, sendTimeout time.Duration) int {
	defer func() {
		if err := out.Close(); err != nil {
			logger.Warn("sink close failed", slog.String("error", err.Error()))
		}
	}()

	samples := make(chan source.Sample, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- src.Run(ctx, samples)
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info("collector stopped")
			return 0
		case err := <-errCh:
			if err != nil {
				logger.Error("source stopped", slog.String("error", err.Error()))
				return 1
			}
			return 0
		case sample := <-samples:
			sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			err := out.Send(sendCtx, sample)
			cancel()
			if err != nil {
				logger.Warn("send failed",
					slog.String("machine_id", sample.MachineID),
					slog.String("error", err.Error()),
				)
				continue
			}
			logger.Info("reading sent",
				slog.String("machine_id", sample.MachineID),
				slog.Float64("vibration", sample.Vibration),
				slog.Float64("temperature", sample.Temperature),
			)
		}
	}
}

func buildSource(cfg config, logger *slog.Logger) (source.Source, error) {
	if cfg.Source == "opcua" {
		return source.NewOPCUASource(cfg.OPCUA, logger)
	}
	return source.NewSimulator(source.SimulatorConfig{
		MachineID:    cfg.MachineID,
		Interval:     cfg.Interval,
		HealthyTicks: cfg.HealthyTicks,
		Seed:         cfg.Seed,
	}), nil
}

func buildSink(cfg config, logger *slog.Logger) (sink.Sink, error) {
	if cfg.Sink == "nats" {
		conn, err := sink.DialNATS(cfg.NATSURL, logger)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		return sink.NewNATSSink(conn, cfg.Subject), nil
	}
	return sink.NewHTTPSink(cfg.GuardURL, cfg.SendTimeout), nil
}

func getenv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}
