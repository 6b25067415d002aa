package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/locolive/relay/internal/api"
	"github.com/locolive/relay/internal/auth"
	"github.com/locolive/relay/internal/config"
	"github.com/locolive/relay/internal/domain"
	"github.com/locolive/relay/internal/eventbus"
	"github.com/locolive/relay/internal/fcm"
	"github.com/locolive/relay/internal/mail"
	"github.com/locolive/relay/internal/metrics"
	"github.com/locolive/relay/internal/middleware"
	"github.com/locolive/relay/internal/presence"
	"github.com/locolive/relay/internal/realtime"
	"github.com/locolive/relay/internal/repository"
	"github.com/locolive/relay/internal/router"
)

const version = "1.0.0"

// store is what the server needs from a notification store driver
type store interface {
	domain.NotificationStore
	domain.DeviceTokenStore
	repository.Pruner
	Ping(ctx context.Context) error
}

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.Server.Env, cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting relay",
		zap.String("env", cfg.Server.Env),
		zap.String("port", cfg.Server.Port),
		zap.String("eventbus", cfg.Events.Driver),
		zap.String("presence", cfg.Presence.Driver),
		zap.String("store", cfg.Store.Driver),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	checks := map[string]api.Check{}

	// Notification store
	notifications, closeStore, err := initStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize notification store", zap.Error(err))
	}
	defer closeStore()
	checks["store"] = notifications.Ping

	// Event bus
	bus, err := initEventBus(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize event bus", zap.Error(err))
	}

	// Presence
	counter, redisClient, err := initPresence(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize presence store", zap.Error(err))
	}
	if redisClient != nil {
		defer redisClient.Close()
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}
	tracker := presence.NewTracker(counter, bus, logger)

	// Tokens
	codec := auth.NewTokenCodec(cfg.JWT.Secret, cfg.JWT.Issuer, auth.WithLeeway(cfg.JWT.Leeway))

	// Realtime gateway
	gateway := realtime.New(realtime.Config{
		AuthPolicy:     realtime.AuthPolicy(cfg.Gateway.AuthPolicy),
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		SendBuffer:     cfg.Gateway.SendBuffer,
		PingInterval:   cfg.Gateway.PingInterval,
		ConnectTimeout: cfg.Gateway.ConnectTimeout,
		InstanceID:     cfg.Server.InstanceID,
	}, codec, tracker, logger, realtime.WithMetrics(collector))

	if err := gateway.ListenPresence(ctx, bus); err != nil {
		logger.Fatal("Failed to subscribe to presence changes", zap.Error(err))
	}

	// Event router
	retry := eventbus.DefaultRetryConfig()
	retry.MaxRetries = cfg.Events.MaxRetries
	retry.InitialInterval = cfg.Events.RetryInterval
	retry.DeadLetter = cfg.Events.DeadLetter

	routerOpts := []router.Option{router.WithMetrics(collector), router.WithRetryConfig(retry)}
	if cfg.FCM.Enabled {
		fcmClient, err := fcm.NewClient(ctx, cfg.FCM.CredentialsFile, notifications, logger)
		if err != nil {
			logger.Warn("Failed to initialize Firebase client - push notifications will be disabled", zap.Error(err))
		} else {
			logger.Info("Firebase client initialized")
			routerOpts = append(routerOpts, router.WithOfflinePusher(fcmClient))
		}
	}

	eventRouter := router.New(notifications, gateway, initMailer(cfg, logger), logger, routerOpts...)
	if err := eventRouter.Subscribe(ctx, bus, cfg.Kafka.ConsumerGroup); err != nil {
		logger.Fatal("Failed to subscribe event router", zap.Error(err))
	}

	// Start cleanup worker
	repository.StartCleanupWorker(ctx, notifications, cfg.Store.CleanupInterval, cfg.Store.Retention, logger)

	// HTTP
	limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
	}, logger)
	defer limiter.Stop()

	httpRouter := api.NewRouter(api.RouterConfig{
		Notifications:  api.NewNotificationHandler(notifications, logger),
		Presence:       api.NewPresenceHandler(tracker, logger),
		Health:         api.NewHealthHandler(version, checks),
		Gateway:        gateway,
		Metrics:        metrics.Handler(reg),
		Verifier:       codec,
		RateLimiter:    limiter,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
	}, logger)

	// Create server
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      httpRouter.Setup(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server listening", zap.String("addr", srv.Addr), zap.String("instance_id", gateway.InstanceID()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}
	// hijacked WebSocket connections are not covered by srv.Shutdown
	if err := gateway.Shutdown(shutdownCtx); err != nil {
		logger.Error("Gateway shutdown error", zap.Error(err))
	}

	// Stop consumers and the cleanup worker before closing the bus
	cancel()
	if err := bus.Close(); err != nil {
		logger.Error("Event bus shutdown error", zap.Error(err))
	}

	logger.Info("Server stopped")
}

func initLogger(env, level string) (*zap.Logger, error) {
	zcfg := zap.NewDevelopmentConfig()
	if env == "production" {
		zcfg = zap.NewProductionConfig()
	}
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zcfg.Build()
}

func initStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store, func(), error) {
	if cfg.Store.Driver == config.DriverMemory {
		logger.Warn("Using in-memory notification store; notifications are lost on restart")
		return repository.NewMemoryStore(), func() {}, nil
	}

	if cfg.Store.AutoMigrate {
		if err := repository.RunMigrations(cfg.Database.URL); err != nil {
			return nil, nil, err
		}
		logger.Info("Database migrations applied")
	}

	db, err := initDatabase(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Connected to database")
	return repository.NewPostgresStore(db), db.Close, nil
}

func initDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	// Connection pool settings
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = 1 * time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

func initEventBus(ctx context.Context, cfg *config.Config, logger *zap.Logger) (eventbus.Bus, error) {
	if cfg.Events.Driver == config.DriverMemory {
		logger.Warn("Using in-memory event bus; only in-process publishers are seen")
		return eventbus.NewMemoryBus(cfg.Events.Partitions, logger), nil
	}
	kafkaBus, err := eventbus.NewKafkaBus(ctx, eventbus.KafkaConfig{
		Brokers:  cfg.Kafka.Brokers,
		ClientID: cfg.Kafka.ClientID,
	}, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Connected to Kafka", zap.Strings("brokers", cfg.Kafka.Brokers))
	return kafkaBus, nil
}

func initPresence(ctx context.Context, cfg *config.Config) (presence.Counter, *redis.Client, error) {
	if cfg.Presence.Driver == config.DriverMemory {
		return presence.NewMemoryCounter(), nil, nil
	}
	client, err := presence.NewRedisClient(ctx, cfg.Redis.URL, 5, 2*time.Second)
	if err != nil {
		return nil, nil, err
	}
	return presence.NewRedisCounter(client, cfg.Presence.Key), client, nil
}

func initMailer(cfg *config.Config, logger *zap.Logger) mail.Mailer {
	if cfg.SMTP.Host == "" {
		logger.Warn("SMTP_HOST not set - password reset emails will only be logged")
		return mail.NewLogMailer(cfg.SMTP.ResetURL, logger)
	}
	m, err := mail.NewSMTPMailer(mail.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		ResetURL: cfg.SMTP.ResetURL,
	}, logger)
	if err != nil {
		logger.Fatal("Invalid SMTP configuration", zap.Error(err))
	}
	return m
}
