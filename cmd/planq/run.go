package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/planq-io/planq/internal/client"
	"github.com/spf13/cobra"
)

var (
	runAgents     int
	runSpawnLocal bool
)

var runCmd = &cobra.Command{
	Use:   "run [plan-file]",
	Short: "Ensure server, expand plan, print join commands",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().IntVar(&runAgents, "agents", 0, "Number of agent panes to print join commands for")
	runCmd.Flags().BoolVar(&runSpawnLocal, "spawn-local", false, "Also fork local workers assigned to lanes")
}

func runRun(cmd *cobra.Command, args []string) error {
	c := client.New(apiAddr)

	// 1. Ensure server
	if err := c.Health(); err == nil {
		fmt.Printf("server already running on %s\n", apiAddr)
	} else {
		fmt.Printf("starting server on %s ...\n", apiAddr)
		if err := ensureServer(c); err != nil {
			return err
		}
	}

	// 2. Expand plan
	res, err := c.Expand(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("plan '%s' -> %d jobs enqueued\n", res.PlanID, res.Steps)

	// 3. Show stats
	stats, err := c.Stats()
	if err != nil {
		return err
	}
	out, _ := json.Marshal(stats)
	fmt.Printf("stats: %s\n", out)

	// 4. Print join commands
	if runAgents > 0 {
		fmt.Printf("\njoin commands for %d agent pane(s):\n", runAgents)
		for i := 1; i <= runAgents; i++ {
			fmt.Printf("  planq worker --holder pane-%d --poll 2s\n", i)
		}
		fmt.Println()
	}

	// 5. Print contracts
	fmt.Println(workerContract(apiAddr, "pane-N"))
	fmt.Println(executorContract())

	// 6. Optionally spawn local workers
	if runSpawnLocal && runAgents > 0 {
		fmt.Printf("spawning %d local workers ...\n", runAgents)
		for i := 1; i <= runAgents; i++ {
			lane := workerLaneFor(i, runAgents)
			if err := spawnWorker(i, lane); err != nil {
				return err
			}
			fmt.Printf("  spawned worker local-%d lane=%d\n", i, lane)
		}
	}
	return nil
}

// workerLaneFor assigns lanes to spawned workers: 1 for the first, 3 for
// the last, 2 for everything in between. A documented heuristic, not a
// scheduling policy.
func workerLaneFor(i, total int) int {
	switch {
	case i == 1:
		return 1
	case i == total:
		return 3
	default:
		return 2
	}
}

// ensureServer starts the scheduler as a detached child of this binary
// and waits for it to answer /health.
func ensureServer(c *client.Client) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	logDir := filepath.Dir(cfg.Store.Path)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(filepath.Join(logDir, "server.log"), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer logFile.Close()

	child, err := startDetached(exe, []string{"server", "--config", cfgPath}, logFile)
	if err != nil {
		return err
	}

	for i := 0; i < 40; i++ {
		time.Sleep(150 * time.Millisecond)
		if c.Health() == nil {
			fmt.Printf("server started (pid=%d) on %s\n", child, apiAddr)
			return nil
		}
	}
	fmt.Fprintf(os.Stderr, "WARNING: server may not have started (pid=%d)\n", child)
	return nil
}

// spawnWorker forks a detached local worker logging next to the DB file.
func spawnWorker(i, lane int) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	logDir := filepath.Dir(cfg.Store.Path)
	logFile, err := os.OpenFile(filepath.Join(logDir, fmt.Sprintf("worker-%d.log", i)), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer logFile.Close()

	_, err = startDetached(exe, []string{
		"worker",
		"--config", cfgPath,
		"--api", apiAddr,
		"--holder", "local-" + strconv.Itoa(i),
		"--lane", strconv.Itoa(lane),
		"--poll", "200ms",
		"--mode", "local",
	}, logFile)
	return err
}
