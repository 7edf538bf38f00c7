package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/style-transfer/internal/cleanup"
	"github.com/example/style-transfer/internal/repository"
	"github.com/example/style-transfer/internal/storage/local"
	"github.com/example/style-transfer/internal/usecase"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the style transfer HTTP service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	cfg := appConfig

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	store, err := local.NewStorage(cfg.Storage.Dir)
	if err != nil {
		return err
	}

	model, closeModel, err := newModel(startCtx, cfg.Model, logger)
	if err != nil {
		return err
	}
	defer closeModel() //nolint:errcheck

	options := []usecase.Option{usecase.WithFetcher(newFetcher(cfg.Fetch, logger))}

	if cfg.Database.DSN != "" {
		db, err := initDatabase(startCtx, cfg.Database.DSN, logger)
		if err != nil {
			return err
		}
		repo := repository.NewTransferRepository(db, logger)
		if err := repo.AutoMigrate(startCtx); err != nil {
			return err
		}
		options = append(options, usecase.WithRepository(repo))
	} else {
		logger.Info("database not configured, transfer log disabled")
	}

	if cfg.Redis.Addr != "" {
		redisClient, err := initRedis(startCtx, cfg.Redis, logger)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		options = append(options, usecase.WithCache(usecase.NewRedisCache(redisClient)))
	} else {
		logger.Info("redis not configured, result cache disabled")
	}

	uc := usecase.NewStyleTransferUseCase(model, store, logger, useCaseOptions(cfg), options...)

	scheduler, err := cleanup.NewScheduler(store, cfg.Storage.CleanupSchedule, cfg.Storage.RetentionTTL, logger)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer stopCancel()
		scheduler.Stop(stopCtx)
	}()

	router, err := newRouter(uc, cfg, logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("style transfer service listening",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("model", model.Name()),
	)
	return serveHTTPServer(server, cfg.HTTP.ShutdownTimeout, logger)
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

// serveHTTPServerWithOptions serves until the server fails or a signal
// arrives, then drains in-flight requests for up to shutdownTimeout. A nil
// listener uses server.Addr; a nil signalCh listens for SIGINT and SIGTERM.
func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
