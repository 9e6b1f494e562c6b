package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/storagefleet/backup-fleet/internal/agent/gate"
	"github.com/storagefleet/backup-fleet/internal/agent/handler"
	"github.com/storagefleet/backup-fleet/internal/agent/notify"
	"github.com/storagefleet/backup-fleet/internal/agent/router"
	"github.com/storagefleet/backup-fleet/internal/agent/runner"
	"github.com/storagefleet/backup-fleet/internal/backup"
	"github.com/storagefleet/backup-fleet/internal/config"
	"github.com/storagefleet/backup-fleet/shared/logger"
	"github.com/storagefleet/backup-fleet/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("AGENT_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/agent-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAgentConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting backup agent",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("node", cfg.Agent.NodeName),
		slog.Int("max_concurrent_jobs", cfg.Agent.MaxConcurrentJobs),
	)

	// Initialize RabbitMQ when completion events are pushed
	var rabbitClient *rabbitmq.Client
	var publisher runner.Publisher
	if cfg.Notify.Mode == config.NotifyPush {
		rabbitClient, err = initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		publisher = notify.NewPublisher(rabbitClient, cfg.Agent.NodeName, appLogger.Logger)

		appLogger.Info("RabbitMQ connection established")
	}

	// Wire the archiver, concurrency gate, and job runner
	archiver := backup.NewArchiver(cfg.Agent.BackupRoot, cfg.Agent.NodeName, appLogger.Logger)
	concurrencyGate := gate.New(cfg.Agent.MaxConcurrentJobs, appLogger.Logger)

	jobRunner := runner.New(
		runner.Config{
			JobTimeout:      cfg.Agent.JobTimeout,
			RetainPerSource: cfg.Agent.RetainPerSource,
			StateRetention:  cfg.Agent.StateRetention,
		},
		concurrencyGate,
		archiver,
		publisher,
		appLogger.Logger,
	)

	// Background eviction of old terminal job states
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go jobRunner.RunJanitor(bgCtx)

	// Initialize router
	r := initRouter(cfg.App.Environment, &handler.Dependencies{
		Logger:   appLogger.Logger,
		Runner:   jobRunner,
		NodeName: cfg.Agent.NodeName,
		DataRoot: cfg.Agent.DataRoot,
	})

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("Agent is running",
		slog.String("address", addr),
		slog.String("node", cfg.Agent.NodeName),
		slog.String("backup_root", cfg.Agent.BackupRoot),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down agent...")

	bgCancel()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	cleanup := func() {
		cancel()
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	defer cleanup()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Agent shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initRabbitMQ initializes the RabbitMQ client for completion events
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:              cfg.Host,
		Port:              cfg.Port,
		User:              cfg.User,
		Password:          cfg.Password,
		VHost:             cfg.VHost,
		ExchangeName:      cfg.ExchangeName,
		ExchangeType:      cfg.ExchangeType,
		QueueName:         cfg.QueueName,
		RoutingKey:        cfg.RoutingKey,
		RetryAttempts:     cfg.RetryAttempts,
		RetryInterval:     cfg.RetryInterval,
		Heartbeat:         cfg.Heartbeat,
		ConnectionTimeout: cfg.ConnectionTimeout,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
