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
	"github.com/redis/go-redis/v9"

	"github.com/phamdk/lingocore/internal/api"
	"github.com/phamdk/lingocore/internal/backoff"
	"github.com/phamdk/lingocore/internal/config"
	"github.com/phamdk/lingocore/internal/gateway"
	"github.com/phamdk/lingocore/internal/intake"
	"github.com/phamdk/lingocore/internal/job"
	"github.com/phamdk/lingocore/internal/jobstore"
	"github.com/phamdk/lingocore/internal/queue"
	"github.com/phamdk/lingocore/internal/worker"
	"github.com/phamdk/lingocore/shared/logger"
	"github.com/phamdk/lingocore/shared/postgresql"
	"github.com/phamdk/lingocore/shared/rabbitmq"
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

	defaultConfigPath := os.Getenv("ORCHESTRATOR_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/orchestrator.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateOrchestrator(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting orchestrator",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	store, cleanup, err := initStore(cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize job store: %w", err)
	}
	defer cleanup()

	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	// Realtime side.
	verifier := gateway.NewJWTVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer)
	rooms := gateway.NewRooms(store, appLogger.Logger)
	registry := gateway.NewRegistry(verifier, rooms, appLogger.Logger, gateway.RegistryConfig{
		HeartbeatTimeout: cfg.Gateway.HeartbeatTimeout,
		SweepInterval:    cfg.Gateway.SweepInterval,
		OutboundBuffer:   cfg.Gateway.OutboundBuffer,
	})
	broadcaster := gateway.NewBroadcaster(rooms, registry, appLogger.Logger)

	// Scheduling side.
	q := queue.New(store, broadcaster, appLogger.Logger, queue.Config{
		Lease:         cfg.Queue.Lease,
		SweepInterval: cfg.Queue.SweepInterval,
		PollInterval:  cfg.Queue.PollInterval,
		MaxAttempts:   cfg.Queue.MaxAttempts,
		RatePerSecond: cfg.Queue.RatePerSecond,
		RateBurst:     cfg.Queue.RateBurst,
	})

	handlers := worker.NewRegistry()
	worker.RegisterBuiltins(handlers, worker.EchoTranslator(cfg.Worker.TranslateDelay), cfg.Worker.StageDelay)

	retry := backoff.Default()
	if cfg.Worker.RetryBaseDelay > 0 && cfg.Worker.RetryMaxDelay > 0 {
		retry = backoff.NewFullJitter(cfg.Worker.RetryBaseDelay, cfg.Worker.RetryMaxDelay)
	}

	pool := worker.NewPool(q, handlers, retry, appLogger.Logger, worker.Config{
		Concurrency: cfg.Worker.Concurrency,
	})

	consumer := intake.NewConsumer(rabbitClient, q, store, appLogger.Logger, intake.ConsumerConfig{
		Tag:           cfg.RabbitMQ.Consumer.Tag,
		PrefetchCount: cfg.RabbitMQ.Consumer.PrefetchCount,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry.Start()
	q.Start()
	pool.Start(ctx)

	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start intake consumer: %w", err)
	}

	// HTTP + WebSocket surface.
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	ws := gateway.NewServer(registry, rooms, appLogger.Logger)
	jobHandler := api.NewJobHandler(q, store, registry, rooms, appLogger.Logger)
	router := api.NewRouter(jobHandler, ws, verifier)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	appLogger.Info("Orchestrator is running", slog.String("address", addr))

	<-ctx.Done()
	appLogger.Info("Shutting down orchestrator...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", slog.Any("error", err))
	}

	pool.Stop()
	q.Stop()
	registry.Stop()

	appLogger.Info("Orchestrator shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// initStore builds the job record store for the configured backend.
func initStore(cfg *config.Config, log *slog.Logger) (job.Store, func(), error) {
	switch cfg.Store.Backend {
	case config.StorePostgres:
		client, err := postgresql.NewClient(&postgresql.Config{
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			User:            cfg.Database.User,
			Password:        cfg.Database.Password,
			Database:        cfg.Database.Database,
			SSLMode:         cfg.Database.SSLMode,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return jobstore.NewPostgres(client.DB(), log), func() { client.Close() }, nil

	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return jobstore.NewRedis(client), func() { client.Close() }, nil

	default:
		return jobstore.NewMemory(), func() {}, nil
	}
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, log *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}, log)
}
