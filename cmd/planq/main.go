package main

import (
	"fmt"
	"os"

	"github.com/phuslu/log"
	"github.com/planq-io/planq/internal/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "planq",
	Short: "planq - local DAG job scheduler for multi-agent collaboration",
	Long: `planq coordinates humans, LLM agents, and local executors on a shared
work plan: a dependency graph of jobs with lease-based claims and
content-addressed dedupe, served over a loopback HTTP API.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if apiAddr == "" {
			apiAddr = "http://" + cfg.Server.Addr()
		}
		logger = log.Logger{
			Level:  log.ParseLevel(cfg.Logging.Level),
			Writer: &log.ConsoleWriter{Writer: os.Stderr},
		}
		return nil
	},
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	apiAddr string
	cfgPath string
	cfg     *config.Config
	logger  log.Logger
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "", "API server address (default from config)")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", ".cursor/code/planq.toml", "Path to config file")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(doneCmd)
	rootCmd.AddCommand(failCmd)
	rootCmd.AddCommand(heartbeatCmd)
	rootCmd.AddCommand(expandCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(hashCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(tuiCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
