package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/jo-hoe/mediajobs/internal/common"
	"github.com/jo-hoe/mediajobs/internal/server"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the job workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), ctx)
		},
	}
}

func runServe(parent context.Context, cc *commandContext) error {
	cfg, err := cc.ensureConfig()
	if err != nil {
		return err
	}
	logger, err := cc.logger()
	if err != nil {
		return err
	}

	// One serving process per storage dir; CLI inspection commands stay usable alongside it.
	lock := flock.New(filepath.Join(cfg.Server.StorageDir, common.ServeLockName))
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another mediajobs instance is already serving this storage dir")
	}
	defer func() { _ = lock.Unlock() }()

	a, err := openApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if parent == nil {
		parent = context.Background()
	}
	rootCtx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := a.scheduler.Start(rootCtx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	httpSrv := server.NewHTTPServer(&server.Service{
		Log:     logger,
		Cfg:     cfg,
		Jobs:    a.jobs,
		Videos:  a.videos,
		Queue:   a.scheduler,
		Hub:     a.hub,
		Objects: a.objects,
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "address", cfg.Server.Addr, "engine", cfg.Transcription.Engine, "workers", cfg.Queue.Workers)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error("server error", "err", serveErr)
		}
	}

	// Stop accepting requests first, then give running attempts the grace period.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	a.scheduler.Shutdown(cfg.Server.ShutdownGrace)
	logger.Info("server stopped")
	return serveErr
}
