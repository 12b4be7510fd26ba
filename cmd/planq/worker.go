package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/planq-io/planq/internal/client"
	"github.com/planq-io/planq/internal/worker"
	"github.com/spf13/cobra"
)

var (
	workerHolder string
	workerLane   int
	workerBatch  int
	workerPoll   string
	workerMode   string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start a worker poll loop",
	Long: `Polls the scheduler for ready jobs and executes their payloads.

Holder strings identify a worker to the lease protocol. Two workers
sharing a holder string is undefined behavior: pick a unique one per
pane or process.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerHolder, "holder", fmt.Sprintf("worker-%d", os.Getpid()), "Worker identity for leases")
	workerCmd.Flags().IntVar(&workerLane, "lane", -1, "Restrict to a lane (-1 for any)")
	workerCmd.Flags().IntVar(&workerBatch, "batch", 1, "Jobs to claim per poll")
	workerCmd.Flags().StringVar(&workerPoll, "poll", "", "Idle poll interval (default from config)")
	workerCmd.Flags().StringVar(&workerMode, "mode", "local", "Execution mode: local or llm")
}

func runWorker(cmd *cobra.Command, args []string) error {
	if workerMode != string(worker.ModeLocal) && workerMode != string(worker.ModeLLM) {
		return fmt.Errorf("invalid mode %q: must be local or llm", workerMode)
	}

	var lane *int
	if workerLane >= 0 {
		lane = &workerLane
	}

	poll := cfg.Worker.PollInterval()
	if workerPoll != "" {
		d, err := time.ParseDuration(workerPoll)
		if err != nil {
			return fmt.Errorf("invalid poll interval %q", workerPoll)
		}
		poll = d
	}

	workDir, _ := os.Getwd()
	w := worker.New(client.New(apiAddr), worker.Options{
		Holder:     workerHolder,
		Lane:       lane,
		Batch:      workerBatch,
		Poll:       poll,
		Mode:       worker.Mode(workerMode),
		Lease:      cfg.Worker.Lease(),
		CmdTimeout: cfg.Worker.CommandTimeout(),
		WorkDir:    workDir,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := w.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	logger.Info().Str("holder", workerHolder).Msg("worker stopped")
	return nil
}
