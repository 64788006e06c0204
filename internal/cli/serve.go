package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/api"
	"github.com/nidhogg/nuka-memory/internal/clock"
	"github.com/nidhogg/nuka-memory/internal/consolidation"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the dream heartbeat",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	logger.Info("Starting Nuka Memory...", zap.String("version", Version))

	// The ticker sweeps lapsed tags every minute; the heartbeat runs a
	// dream cycle once per configured interval.
	var ticker *clock.Ticker
	if minutes := a.cfg.Engine.HeartbeatMinutes; minutes > 0 {
		ticker = clock.NewTicker(clock.System{}, time.Minute, logger)
		hb := consolidation.NewHeartbeat(a.engine, a.engine.DreamConfig(), time.Duration(minutes)*time.Minute, logger)
		ticker.AddListener(hb)
		ticker.Start()
		defer ticker.Stop()
	}

	h := api.NewHandler(a.recall, a.engine, a.cfg.Server.CORSOrigins, logger)
	addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Nuka Memory API listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("Nuka Memory stopped")
	return nil
}
