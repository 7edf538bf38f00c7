package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/style-transfer/internal/auth"
	"github.com/example/style-transfer/internal/config"
	"github.com/example/style-transfer/internal/fetch"
	"github.com/example/style-transfer/internal/grpcclient"
	"github.com/example/style-transfer/internal/handlers"
	"github.com/example/style-transfer/internal/logging"
	"github.com/example/style-transfer/internal/stylizer"
	"github.com/example/style-transfer/internal/tfserving"
	"github.com/example/style-transfer/internal/usecase"
)

// newModel connects the configured inference backend. The returned closer
// releases its connection.
func newModel(ctx context.Context, cfg config.ModelConfig, logger *zap.Logger) (stylizer.Model, func() error, error) {
	switch cfg.Backend {
	case config.BackendGRPC:
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		client, conn, err := grpcclient.DialStylizer(dialCtx, cfg.GRPC.Addr, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to model server: %w", err)
		}
		return client, conn.Close, nil
	case config.BackendTFServing:
		client := tfserving.NewClient(tfserving.Config{
			BaseURL:       cfg.TFServing.URL,
			ModelName:     cfg.TFServing.ModelName,
			ModelVersion:  cfg.TFServing.Version,
			SignatureName: cfg.TFServing.Signature,
			ContentInput:  cfg.TFServing.ContentInput,
			StyleInput:    cfg.TFServing.StyleInput,
			OutputName:    cfg.TFServing.OutputName,
			Timeout:       cfg.Timeout,
		}, logger)

		readyCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ready(readyCtx); err != nil {
			// Serving may still be loading the model; requests fail until it is up.
			logger.Warn("model server not ready", zap.Error(err), zap.String("model", client.Name()))
		}
		return client, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown model backend %q", cfg.Backend)
	}
}

func useCaseOptions(cfg *config.Config) usecase.Options {
	return usecase.Options{
		ContentSize:      cfg.Model.ContentSize,
		StyleSize:        cfg.Model.StyleSize,
		JPEGQuality:      cfg.Model.JPEGQuality,
		InferenceTimeout: cfg.Model.Timeout,
		MaxConcurrent:    cfg.Model.MaxConcurrent,
		MaxPixels:        cfg.Model.MaxPixels,
		CacheTTL:         cfg.Redis.CacheTTL,
	}
}

func newFetcher(cfg config.FetchConfig, logger *zap.Logger) *fetch.Fetcher {
	return fetch.NewFetcher(cfg.Timeout, cfg.MaxBytes, logger)
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	zapLogger.Info("connected to database")
	return db, nil
}

func initRedis(ctx context.Context, cfg config.RedisConfig, zapLogger *zap.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	zapLogger.Info("connected to redis", zap.String("addr", cfg.Addr))
	return client, nil
}

// newRouter builds the HTTP surface around uc.
func newRouter(uc *usecase.StyleTransferUseCase, cfg *config.Config, logger *zap.Logger) (*gin.Engine, error) {
	r := gin.New()
	r.Use(gin.Recovery(), logging.GinMiddleware(logger))
	r.MaxMultipartMemory = cfg.HTTP.MaxUploadSize

	hcfg := handlers.Config{
		MaxUploadSize: cfg.HTTP.MaxUploadSize,
		ContentSize:   cfg.Model.ContentSize,
		StyleSize:     cfg.Model.StyleSize,
		Logger:        logger,
	}
	if cfg.Auth.JWTSecret != "" {
		hcfg.Auth = auth.JWTMiddleware(auth.Options{
			Secret:   cfg.Auth.JWTSecret,
			Audience: cfg.Auth.JWTAudience,
			Issuer:   cfg.Auth.JWTIssuer,
			Leeway:   cfg.Auth.Leeway,
		})
	}

	if err := handlers.RegisterRoutes(r, uc, hcfg); err != nil {
		return nil, err
	}
	return r, nil
}
