package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/builder"
	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/config"
	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/db"
	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/envelope"
	grpcserver "github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/grpc/server"
	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/handlers"
	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/ingest"
	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/logging"
	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/messaging"
	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/outcome"
	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/repository"
	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/search"
	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/service"
	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/telemetry"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("History Service stopped with error")
	}
	log.Info("History Service stopped gracefully")
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.WithFields(logrus.Fields{
		"clickhouse": cfg.ClickHouse.Host,
		"exchange":   cfg.RabbitMQ.Exchange,
		"grpc_port":  cfg.GRPCPort,
		"http_port":  cfg.HTTPPort,
	}).Info("Starting History Service...")

	shutdownTelemetry, err := telemetrySetup(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer shutdownTelemetry()

	// Primary store
	pool, err := db.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("failed to create database pool: %w", err)
	}
	defer pool.Close()
	if err := db.EnsurePostgresSchema(ctx, pool.Pool); err != nil {
		return err
	}
	log.Info("database connection pool initialized")

	// Search index
	clickhouseClient, err := db.NewClickHouseClient(ctx, cfg.ClickHouse)
	if err != nil {
		return fmt.Errorf("failed to initialize ClickHouse client: %w", err)
	}
	defer clickhouseClient.Close()
	if err := db.EnsureClickHouseSchema(ctx, clickhouseClient); err != nil {
		return err
	}
	log.Info("Successfully connected to ClickHouse")

	// Repositories
	txManager := db.NewTransactionManager(pool.Pool, log)
	historyRepo := repository.NewHistoryRepository(pool.Pool, txManager)
	ledger := repository.NewProcessedEventRepository(pool.Pool)
	searchRepo := repository.NewSearchRepository(clickhouseClient)

	projector := search.NewProjector(historyRepo, searchRepo, log, cfg.Projector)
	projector.Start(ctx)
	defer projector.Stop()

	publisher := outcome.NewPublisher(log)

	pipeline := ingest.NewPipeline(
		envelope.NewParser(cfg.RabbitMQ.EnvelopeNamespace),
		builder.New(cfg.BaseCurrency),
		ledger,
		historyRepo,
		projector,
		publisher,
		log,
	)
	historyService := service.NewHistoryService(historyRepo, searchRepo, projector, log)

	// Broker
	conn, err := messaging.Dial(cfg.RabbitMQ)
	if err != nil {
		return err
	}
	defer conn.Close()

	consumer, err := messaging.NewRabbitMQConsumer(conn, cfg.RabbitMQ, ingest.DefaultRoutes(), pipeline, log)
	if err != nil {
		return fmt.Errorf("failed to create RabbitMQ consumer: %w", err)
	}
	defer consumer.Close()

	transport, err := messaging.NewOutcomeTransport(conn, cfg.RabbitMQ, cfg.Outcome, publisher, log)
	if err != nil {
		return fmt.Errorf("failed to create outcome transport: %w", err)
	}
	defer transport.Close()

	// Servers
	grpcServer, health := grpcserver.NewGRPCServer(log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           handlers.Handler(handlers.NewHandler(historyService, consumer.Running, log), log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := consumer.Start(gctx); err != nil {
			return fmt.Errorf("RabbitMQ consumer error: %w", err)
		}
		log.Info("RabbitMQ consumer stopped")
		return nil
	})

	g.Go(func() error {
		return transport.Run(gctx)
	})

	g.Go(func() error {
		watchHealth(gctx, consumer, health)
		return nil
	})

	g.Go(func() error {
		return serveGRPC(gctx, grpcServer, cfg.GRPCPort, log)
	})

	g.Go(func() error {
		return serveHTTP(gctx, httpServer, log)
	})

	return g.Wait()
}

func telemetrySetup(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (func(), error) {
	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			log.WithError(err).Warn("telemetry shutdown failed")
		}
	}, nil
}

// watchHealth mirrors consumer liveness into the gRPC health service
func watchHealth(ctx context.Context, consumer *messaging.RabbitMQConsumer, health *grpcserver.Health) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	serving := false
	for {
		select {
		case <-ctx.Done():
			health.Shutdown()
			return
		case <-ticker.C:
			if running := consumer.Running(); running != serving {
				serving = running
				health.SetServing(serving)
			}
		}
	}
}

func serveGRPC(ctx context.Context, s *grpc.Server, port string, log logrus.FieldLogger) error {
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", port, err)
	}

	go func() {
		<-ctx.Done()
		log.Info("shutting down gRPC server...")
		s.GracefulStop()
	}()

	log.WithField("port", port).Info("gRPC server listening")
	if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("gRPC server failed: %w", err)
	}
	return nil
}

func serveHTTP(ctx context.Context, s *http.Server, log logrus.FieldLogger) error {
	go func() {
		<-ctx.Done()
		log.Info("shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("HTTP server shutdown failed")
		}
	}()

	log.WithField("addr", s.Addr).Info("HTTP server listening")
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}
