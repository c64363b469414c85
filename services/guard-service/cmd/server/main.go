package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"praxisguard-backend/services/guard-service/internal/api"
	"praxisguard-backend/services/guard-service/internal/bus"
	"praxisguard-backend/services/guard-service/internal/config"
	"praxisguard-backend/services/guard-service/internal/forward"
	"praxisguard-backend/services/guard-service/internal/ingest"
	"praxisguard-backend/services/guard-service/internal/metrics"
	"praxisguard-backend/services/guard-service/internal/orchestrator"
	"praxisguard-backend/services/guard-service/internal/pdm"
	"praxisguard-backend/services/guard-service/internal/storage"
	"praxisguard-backend/services/guard-service/internal/tracing"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := storage.Open(ctx, storage.Options{
		Driver:      cfg.Storage.Driver,
		DSN:         cfg.Storage.DSN,
		BadgerPath:  cfg.Storage.BadgerPath,
		SQL:         cfg.Storage.SQL.ConnectionConfig(cfg.Storage.Driver),
		AutoMigrate: cfg.Storage.AutoMigrate,
	})
	if err != nil {
		logger.Error("failed to open store", slog.String("driver", cfg.Storage.Driver), slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer backend.Close()

	tuner := pdm.NewTuner(cfg.Profile())
	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
				tuner.Store(next.Profile())
				logger.Info("thresholds updated",
					slog.Float64("detector_vibration", next.Detector.Vibration),
					slog.Float64("detector_temperature", next.Detector.Temperature),
				)
			})
			if err != nil {
				logger.Error("config watch stopped", slog.String("error", err.Error()))
			}
		}()
	}

	tracer, shutdownTracing, err := tracing.Setup(cfg.Tracing.Enabled, cfg.Tracing.ServiceName, nil)
	if err != nil {
		logger.Error("failed to init tracing", slog.String("error", err.Error()))
		os.Exit(1)
	}
	m := metrics.New()

	orch := orchestrator.New(
		&orchestrator.WindowAssessor{Readings: backend, Window: cfg.Orchestrator.Window, Limits: tuner.Limits},
		&orchestrator.AuditActor{Audit: backend, Action: cfg.Orchestrator.Action},
		orchestrator.WithTracer(tracer),
	)
	dispatcher := orchestrator.NewDispatcher(orch, orchestrator.DispatcherOptions{
		Workers:    cfg.Orchestrator.Workers,
		QueueSize:  cfg.Orchestrator.QueueSize,
		RunTimeout: cfg.Orchestrator.RunTimeout,
		Logger:     logger,
	})
	dispatcher.OnComplete(m.ObserveOutcome)
	m.WatchQueue(dispatcher.Pending)

	forwarder := forward.New(cfg.Forwarder.WebhookURL, cfg.Forwarder.Timeout,
		forward.WithLogger(logger),
		forward.WithFailureHook(m.ForwardFailed),
	)
	svc := &ingest.Service{
		Store:         backend,
		Tuner:         tuner,
		Logger:        logger,
		Metrics:       m,
		BreachSubject: cfg.Bus.BreachSubject,
		Dispatcher:    dispatcher,
		AutoDispatch:  cfg.Orchestrator.AutoDispatchOnBreach,
	}
	if cfg.Forwarder.ForwardOnIngest {
		svc.Forwarder = forwarder
	}

	closeBus := func() {}
	if cfg.Bus.Enabled() {
		conn, err := bus.Connect(cfg.Bus.URL, "praxisguard-guard-service", logger)
		if err != nil {
			logger.Error("failed to connect to nats", slog.String("error", err.Error()))
			os.Exit(1)
		}
		closeBus = func() {
			if err := bus.Close(conn, bus.DrainTimeout); err != nil {
				logger.Warn("nats drain incomplete", slog.String("error", err.Error()))
			}
		}
		publisher := bus.NewPublisher(conn)
		svc.Events = publisher
		dispatcher.OnComplete(func(out orchestrator.Outcome, runErr error) {
			if err := publisher.Publish(cfg.Bus.OutcomeSubject, bus.NewOutcomeEvent(out, runErr)); err != nil {
				logger.Warn("publish outcome failed", slog.String("error", err.Error()))
			}
		})
		subscriber := bus.NewSubscriber(conn, logger)
		if _, err := subscriber.SubscribeReadings(cfg.Bus.IngestSubject, svc.HandleEvent(ctx)); err != nil {
			logger.Error("failed to subscribe", slog.String("subject", cfg.Bus.IngestSubject), slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("consuming readings", slog.String("subject", cfg.Bus.IngestSubject))
	}

	handler := &api.Handler{
		Store:            backend,
		Ingest:           svc,
		Dispatcher:       dispatcher,
		Tuner:            tuner,
		Forwarder:        forwarder,
		Metrics:          m,
		DefaultMachineID: cfg.Server.DefaultMachineID,
		Window:           cfg.Orchestrator.Window,
		Timeout:          5 * time.Second,
		Logger:           logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))

	handler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("guard-service listening",
		slog.String("port", cfg.Server.Port),
		slog.String("storage", cfg.Storage.Driver),
		slog.Bool("auto_dispatch", cfg.Orchestrator.AutoDispatchOnBreach),
	)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", slog.String("error", err.Error()))
	}

	// Readings still in flight on the bus may auto-dispatch, so the
	// subscription drains before the dispatcher stops.
	closeBus()

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := dispatcher.Stop(drainCtx); err != nil {
		logger.Warn("dispatcher did not drain", slog.String("error", err.Error()))
	}
	if err := shutdownTracing(drainCtx); err != nil {
		logger.Warn("tracing shutdown failed", slog.String("error", err.Error()))
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
