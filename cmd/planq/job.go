package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/planq-io/planq/internal/client"
	"github.com/planq-io/planq/internal/models"
	"github.com/spf13/cobra"
)

var (
	enqueueID     string
	enqueueLane   int
	enqueueDeps   string
	enqueueDedupe string
	jobHolder     string
	failError     string
	jobsStatus    string
	jobsLimit     int
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [payload]",
	Short: "Enqueue a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runEnqueue,
}

var doneCmd = &cobra.Command{
	Use:   "done [job-id]",
	Short: "Mark a job done",
	Args:  cobra.ExactArgs(1),
	RunE:  runDone,
}

var failCmd = &cobra.Command{
	Use:   "fail [job-id]",
	Short: "Mark a job failed",
	Args:  cobra.ExactArgs(1),
	RunE:  runFail,
}

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat [job-id]",
	Short: "Extend the lease on a running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runHeartbeat,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts per status",
	RunE:  runStats,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List jobs",
	RunE:  runJobs,
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueID, "id", "", "Job id (default manual-<uuid>)")
	enqueueCmd.Flags().IntVar(&enqueueLane, "lane", 0, "Lane routing tag")
	enqueueCmd.Flags().StringVar(&enqueueDeps, "deps", "", "Comma-separated dep job ids")
	enqueueCmd.Flags().StringVar(&enqueueDedupe, "dedupe", "", "Content hash for dedupe")

	doneCmd.Flags().StringVar(&jobHolder, "holder", "", "Holder that claimed the job")
	failCmd.Flags().StringVar(&jobHolder, "holder", "", "Holder that claimed the job")
	failCmd.Flags().StringVar(&failError, "error", "", "Failure reason")
	heartbeatCmd.Flags().StringVar(&jobHolder, "holder", "", "Holder that claimed the job")
	heartbeatCmd.MarkFlagRequired("holder")

	jobsCmd.Flags().StringVar(&jobsStatus, "status", "", "Filter by status")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 100, "Max jobs to list")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	payload := args[0]
	if err := models.ValidatePayload(payload); err != nil {
		return err
	}

	id := enqueueID
	if id == "" {
		id = "manual-" + uuid.New().String()
	}

	var deps []string
	for _, d := range strings.Split(enqueueDeps, ",") {
		if d = strings.TrimSpace(d); d != "" {
			deps = append(deps, d)
		}
	}

	c := client.New(apiAddr)
	if err := c.Enqueue(client.EnqueueRequest{
		ID:        id,
		Lane:      enqueueLane,
		Payload:   payload,
		Deps:      deps,
		DedupeKey: enqueueDedupe,
	}); err != nil {
		return err
	}
	fmt.Printf("enqueued %s\n", id)
	return nil
}

func runDone(cmd *cobra.Command, args []string) error {
	if err := client.New(apiAddr).Done(args[0], jobHolder); err != nil {
		return err
	}
	fmt.Printf("done %s\n", args[0])
	return nil
}

func runFail(cmd *cobra.Command, args []string) error {
	if err := client.New(apiAddr).Fail(args[0], failError, jobHolder); err != nil {
		return err
	}
	fmt.Printf("failed %s\n", args[0])
	return nil
}

func runHeartbeat(cmd *cobra.Command, args []string) error {
	ok, err := client.New(apiAddr).Heartbeat(args[0], jobHolder)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("heartbeat rejected: lease lost, abandon the job")
		os.Exit(1)
	}
	fmt.Println("heartbeat ok")
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	stats, err := client.New(apiAddr).Stats()
	if err != nil {
		return err
	}
	out, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Println(string(out))
	return nil
}

var statusIcons = map[models.JobStatus]string{
	models.JobStatusQueued:  "○",
	models.JobStatusRunning: "◉",
	models.JobStatusDone:    "✓",
	models.JobStatusFailed:  "✗",
}

func runJobs(cmd *cobra.Command, args []string) error {
	jobs, err := client.New(apiAddr).Jobs(jobsStatus, jobsLimit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}
	for _, j := range jobs {
		icon := statusIcons[j.Status]
		if icon == "" {
			icon = "?"
		}
		fmt.Printf("  %s [%-8s] lane=%d %s: %s\n", icon, j.Status, j.Lane, j.ID, models.Truncate(j.Payload, 60))
	}
	return nil
}
