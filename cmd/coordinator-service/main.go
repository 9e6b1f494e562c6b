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
	"github.com/storagefleet/backup-fleet/internal/config"
	"github.com/storagefleet/backup-fleet/internal/coordinator/agentclient"
	"github.com/storagefleet/backup-fleet/internal/coordinator/dispatcher"
	"github.com/storagefleet/backup-fleet/internal/coordinator/handler"
	"github.com/storagefleet/backup-fleet/internal/coordinator/ledger"
	"github.com/storagefleet/backup-fleet/internal/coordinator/notify"
	"github.com/storagefleet/backup-fleet/internal/coordinator/registry"
	"github.com/storagefleet/backup-fleet/internal/coordinator/router"
	"github.com/storagefleet/backup-fleet/internal/coordinator/storage"
	"github.com/storagefleet/backup-fleet/shared/logger"
	"github.com/storagefleet/backup-fleet/shared/postgresql"
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
	defaultConfigPath := os.Getenv("COORDINATOR_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/coordinator-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateCoordinatorConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting backup coordinator",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.Int("max_concurrent_jobs", cfg.Coordinator.MaxConcurrentJobs),
		slog.Int("nodes", len(cfg.Coordinator.Nodes)),
	)

	// Initialize the optional history store
	var historyStore *storage.Storage
	var dbClient *postgresql.Client
	if cfg.Database.Host != "" {
		dbClient, err = initPostgreSQL(&cfg.Database, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		historyStore = storage.NewStorage(dbClient)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = historyStore.EnsureSchema(ctx)
		cancel()
		if err != nil {
			return err
		}

		appLogger.Info("History store ready")
	} else {
		appLogger.Info("No database configured, job history disabled")
	}

	// Initialize RabbitMQ when completion events are pushed
	var rabbitClient *rabbitmq.Client
	if cfg.Notify.Mode == config.NotifyPush {
		rabbitClient, err = initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}

		appLogger.Info("RabbitMQ connection established")
	}

	// Wire admission control, fleet registry, and the dispatcher
	capacityLedger := ledger.New(cfg.Coordinator.MaxConcurrentJobs, appLogger.Logger)
	fleet := registry.New(cfg.Coordinator.Nodes, appLogger.Logger)
	client := agentclient.New(cfg.Coordinator.RequestTimeout, appLogger.Logger)

	var jobArchiver dispatcher.Archiver
	if historyStore != nil {
		jobArchiver = historyStore
	}

	disp := dispatcher.New(
		dispatcher.Config{
			QueueDepth:      cfg.Coordinator.QueueDepth,
			OverflowPolicy:  cfg.Coordinator.OverflowPolicy,
			DispatchRetries: cfg.Coordinator.DispatchRetries,
			JobDeadline:     cfg.Coordinator.JobDeadline,
			PollInterval:    cfg.Coordinator.PollInterval,
			RetentionWindow: cfg.Coordinator.RetentionWindow,
			Poll:            cfg.Notify.Mode == config.NotifyPoll,
		},
		capacityLedger,
		fleet,
		client,
		jobArchiver,
		appLogger.Logger,
	)

	// Background loops
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	go fleet.RunProbeLoop(bgCtx, client, cfg.Coordinator.ProbeInterval)
	go disp.RunMonitor(bgCtx)

	if rabbitClient != nil {
		consumer := notify.NewConsumer(rabbitClient, disp, appLogger.Logger)
		go func() {
			if err := consumer.Run(bgCtx); err != nil {
				appLogger.Error("Completion consumer failed",
					slog.Any("error", err),
				)
			}
		}()
	}

	var history handler.HistoryStore
	if historyStore != nil {
		history = historyStore
	}

	// Initialize router
	r := initRouter(cfg.App.Environment, &handler.Dependencies{
		Logger:     appLogger.Logger,
		Dispatcher: disp,
		Registry:   fleet,
		Storage:    history,
		DataRoot:   cfg.Coordinator.DataRoot,
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

	appLogger.Info("Coordinator is running",
		slog.String("address", addr),
		slog.String("notify_mode", cfg.Notify.Mode),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down coordinator...")

	bgCancel()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	cleanup := func() {
		cancel()
		if dbClient != nil {
			dbClient.Close()
		}
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

	appLogger.Info("Coordinator shutdown complete")
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

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
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
