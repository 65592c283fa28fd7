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

	"github.com/gin-gonic/gin"
	"github.com/samber/do"
	"go.uber.org/zap"

	"github.com/example/frameserver/internal/config"
	"github.com/example/frameserver/internal/inject"
	"github.com/example/frameserver/internal/logging"
	"github.com/example/frameserver/internal/modelhost"
	"github.com/example/frameserver/internal/retention"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	injector := inject.Setup(context.Background(), cfg, logger)

	host, err := do.Invoke[*modelhost.Host](injector)
	if err != nil {
		logger.Fatal("failed to load diffusion pipeline", zap.Error(err))
	}
	router, err := do.Invoke[*gin.Engine](injector)
	if err != nil {
		logger.Fatal("failed to build router", zap.Error(err))
	}
	scheduler, err := do.Invoke[*retention.Scheduler](injector)
	if err != nil {
		logger.Fatal("failed to start scheduler", zap.Error(err))
	}
	scheduler.Start()

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	logger.Info("frame server listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("backend", cfg.Backend),
		zap.String("checkpoint", host.Spec().Checkpoint),
		zap.Int("replicas", host.Replicas()),
	)
	serveErr := serveHTTPServer(server, cfg.ShutdownTimeout, logger)

	if err := injector.Shutdown(); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
	}
	if serveErr != nil {
		logger.Fatal("server failed", zap.Error(serveErr))
	}
	logger.Info("server stopped")
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
