package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/pet-classifier/internal/config"
	"github.com/example/pet-classifier/internal/handlers"
	"github.com/example/pet-classifier/internal/logging"
	"github.com/example/pet-classifier/internal/metrics"
	"github.com/example/pet-classifier/internal/model"
	"github.com/example/pet-classifier/internal/predictor"
	"github.com/example/pet-classifier/internal/requestlog"
	"github.com/example/pet-classifier/internal/transform"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	reqLog := initRequestLog(cfg, logger)
	registry := metrics.NewRegistry()

	store := model.NewStore(cfg.ModelPath, cfg.MetadataPath, cfg.PoolSize, logger)
	defer store.Close()

	// Load in the background so health probes see "starting" instead of a
	// connection refused while the artifact is read.
	go func() {
		if err := store.Load(ctx); err != nil {
			logger.Error("model load failed, serving in failed state", zap.Error(err))
			return
		}
		registry.SetModelLoaded(true)
	}()

	cache := initCache(ctx, cfg, logger)

	// The transform constants come from the descriptor the store reads during
	// Load. Deriving the pipeline from the store keeps preprocessing and
	// inference on the exact same artifact read, even while the background
	// load is still in flight.
	pipeline := transform.NewDeferredPipeline(store.Metadata)
	pred := predictor.NewPredictor(store, pipeline, registry, reqLog, cache, cfg.CacheTTL, logger)

	r := gin.Default()
	r.MaxMultipartMemory = cfg.MaxUploadBytes
	handlers.RegisterRoutes(r, pred, registry.Handler(), cfg.MaxUploadBytes, logger)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	logger.Info("classifier API listening", zap.String("addr", cfg.ListenAddr))
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initRequestLog(cfg *config.Config, logger *zap.Logger) requestlog.Writer {
	writer, err := requestlog.NewFileWriter(cfg.RequestLogPath)
	if err != nil {
		logger.Warn("request log disabled, sink could not be opened",
			zap.Error(err), zap.String("path", cfg.RequestLogPath))
		return requestlog.NopWriter{}
	}
	return writer
}

// initCache connects to redis when configured. The cache is an optimization:
// an unreachable redis downgrades to no caching instead of refusing to start.
func initCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) predictor.Cache {
	if cfg.RedisAddr == "" {
		return nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable, result cache disabled",
			zap.Error(err), zap.String("addr", cfg.RedisAddr))
		return nil
	}
	return predictor.NewRedisCache(client)
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

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

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

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
