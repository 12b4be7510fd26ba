package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/planq-io/planq/internal/artifact"
	"github.com/planq-io/planq/internal/controlplane"
	"github.com/planq-io/planq/internal/scheduler"
	"github.com/planq-io/planq/internal/store"
	"github.com/spf13/cobra"
)

var (
	listenAddr string
	dbPath     string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the planq scheduler server",
	Long:  `Starts the HTTP scheduler server backed by the local SQLite store.`,
	RunE:  runServer,
}

func init() {
	serverCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (default from config)")
	serverCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (default from config)")
}

func runServer(cmd *cobra.Command, args []string) error {
	if listenAddr == "" {
		listenAddr = cfg.Server.Addr()
	}
	if dbPath == "" {
		dbPath = cfg.Store.Path
	}

	s, err := store.New(dbPath)
	if err != nil {
		return err
	}

	ix := artifact.NewIndex(cfg.Artifacts.Dir)
	sched := scheduler.New(s, ix, logger)
	server := controlplane.NewServer(sched, s, listenAddr, cfg.Worker.Lease(), logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		err := server.Start()
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serverErr:
		if err != nil {
			s.Close()
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server shutdown error")
	}
	if err := s.Close(); err != nil {
		logger.Warn().Err(err).Msg("database close error")
	}
	return nil
}
