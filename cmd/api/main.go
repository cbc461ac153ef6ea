package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"equipment-loan-api/internal"
	"equipment-loan-api/internal/cache"
	"equipment-loan-api/internal/config"
	"equipment-loan-api/internal/engine"
	"equipment-loan-api/internal/evidence"
	"equipment-loan-api/internal/models"
	"equipment-loan-api/internal/notify"
	"equipment-loan-api/internal/store/memory"
	"equipment-loan-api/internal/store/postgres"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// backend is what both store drivers provide.
type backend interface {
	engine.Store
	InsertNotificationLog(ctx context.Context, entry *models.NotificationLog) error
	ListNotificationLogs(ctx context.Context, status models.NotificationStatus, limit, offset int) ([]models.NotificationLog, int, error)
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAndValidate()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, health, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		cancel()
		logger.Fatal("open store", zap.Error(err))
	}
	defer closeStore()

	opts := []engine.Option{engine.WithLogger(logger)}
	if cfg.RedisURL != "" {
		rdb, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			cancel()
			logger.Fatal("connect redis", zap.Error(err))
		}
		defer rdb.Close()
		opts = append(opts, engine.WithChecklistCache(cache.NewChecklistCache(rdb, cfg.CacheTTL, logger)))
		logger.Info("checklist cache enabled", zap.Duration("ttl", cfg.CacheTTL))
	}

	var ev evidence.Store = evidence.NewMemoryStore()
	if cfg.MinioEndpoint != "" {
		ev, err = evidence.NewMinioStore(ctx, evidence.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			cancel()
			logger.Fatal("connect object storage", zap.Error(err))
		}
	} else {
		logger.Warn("MINIO_ENDPOINT not set, evidence is kept in memory")
	}
	cancel()

	metrics := internal.NewMetrics()

	var sender notify.Sender
	if cfg.SMTPHost != "" {
		sender = notify.NewSMTPSender(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     strconv.Itoa(cfg.SMTPPort),
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		})
	} else {
		sender = notify.NewLogOnlySender(logger)
	}
	dispatcher := notify.NewDispatcher(sender, store, logger, notify.Options{
		QueueSize:   cfg.NotifyQueueSize,
		MaxAttempts: cfg.NotifyMaxAttempts,
		Backoff:     cfg.NotifyBackoff,
		OnResult:    metrics.ObserveNotification,
	})
	opts = append(opts, engine.WithNotifier(dispatcher))

	eng := engine.New(store, opts...)
	if cfg.AdminEmail != "" {
		bootCtx, stopBoot := context.WithTimeout(context.Background(), 10*time.Second)
		admin, created, err := eng.EnsureAdmin(bootCtx, cfg.AdminEmail, cfg.AdminName, cfg.AdminPassword)
		stopBoot()
		if err != nil {
			logger.Fatal("bootstrap admin", zap.Error(err))
		}
		if created {
			logger.Info("created bootstrap admin", zap.Int64("user_id", admin.ID), zap.String("email", admin.Email))
		}
	}
	srv := internal.NewServer(cfg, internal.Deps{
		Engine:   eng,
		Logs:     store,
		Evidence: ev,
		Metrics:  metrics,
		Health:   health,
	}, logger)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting equipment loan API",
			zap.String("addr", httpSrv.Addr),
			zap.String("environment", cfg.Environment),
			zap.String("store", cfg.StoreDriver),
			zap.String("jwt_issuer", cfg.JWTIssuer),
			zap.Duration("jwt_expiry", cfg.JWTExpiry),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	// drain queued notifications after the last request has committed
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Error("notification queue not drained", zap.Error(err))
	}
	logger.Info("server exited")
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (backend, func(context.Context) error, func(), error) {
	if cfg.StoreDriver == "memory" {
		logger.Warn("using in-memory store, data is lost on restart")
		return memory.New(), nil, func() {}, nil
	}
	store, err := postgres.Open(ctx, cfg.DBURL, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	closeStore := func() {
		if err := store.Close(); err != nil {
			logger.Error("close store", zap.Error(err))
		}
	}
	return store, store.Ping, closeStore, nil
}

func initLogger(cfg *config.Config) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.LogFormat == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	switch cfg.LogLevel {
	case "debug":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return zapCfg.Build()
}
