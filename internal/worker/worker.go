// Package worker implements the planq worker runtime: a poll loop that
// claims ready jobs over the control plane, dispatches their payload
// pointers, and reports completion.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/phuslu/log"
	"github.com/planq-io/planq/internal/client"
	"github.com/planq-io/planq/internal/models"
)

// Mode selects how @file: payloads are handled.
type Mode string

const (
	// ModeLocal executes payloads directly; plain @file: jobs are failed
	// as LLM-required.
	ModeLocal Mode = "local"
	// ModeLLM claims jobs and logs @file: payloads for an agent to
	// complete manually via the API.
	ModeLLM Mode = "llm"
)

// Options configures a Worker.
type Options struct {
	Holder     string
	Lane       *int
	Batch      int
	Poll       time.Duration
	Mode       Mode
	Lease      time.Duration
	CmdTimeout time.Duration
	WorkDir    string
}

// Worker polls the control plane for ready jobs and executes them.
type Worker struct {
	client *client.Client
	opts   Options
	logger log.Logger
}

// New creates a worker. Zero-valued options get defaults.
func New(c *client.Client, opts Options, logger log.Logger) *Worker {
	if opts.Holder == "" {
		opts.Holder = fmt.Sprintf("worker-%d", os.Getpid())
	}
	if opts.Batch <= 0 {
		opts.Batch = 1
	}
	if opts.Poll <= 0 {
		opts.Poll = 2 * time.Second
	}
	if opts.Mode == "" {
		opts.Mode = ModeLocal
	}
	if opts.Lease <= 0 {
		opts.Lease = 30 * time.Second
	}
	if opts.CmdTimeout <= 0 {
		opts.CmdTimeout = 120 * time.Second
	}
	return &Worker{client: c, opts: opts, logger: logger}
}

// Run polls until ctx is cancelled. The loop sleeps the configured poll
// interval when a poll returned nothing and only briefly when it was busy.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().
		Str("holder", w.opts.Holder).
		Str("mode", string(w.opts.Mode)).
		Dur("poll", w.opts.Poll).
		Msg("worker started")

	for {
		jobs, err := w.client.Ready(w.opts.Holder, w.opts.Lane, w.opts.Batch)
		if err != nil {
			w.logger.Warn().Err(err).Msg("poll failed")
			if !sleepCtx(ctx, w.opts.Poll) {
				return ctx.Err()
			}
			continue
		}

		for _, job := range jobs {
			w.logger.Info().Str("job", job.ID).Str("payload", models.Truncate(job.Payload, 80)).Msg("claimed")
			if err := w.Execute(ctx, job); err != nil {
				w.logger.Warn().Err(err).Str("job", job.ID).Msg("job failed")
			}
		}

		delay := w.opts.Poll
		if len(jobs) > 0 {
			delay = 50 * time.Millisecond
		}
		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// Execute dispatches one claimed job by its payload pointer and reports
// the outcome. The returned error reflects the job outcome; reporting
// failures are logged, not returned.
func (w *Worker) Execute(ctx context.Context, job models.Job) error {
	payload := job.Payload
	switch {
	case strings.HasPrefix(payload, "@cmd:"):
		return w.execCmd(ctx, job, strings.TrimPrefix(payload, "@cmd:"))

	case strings.HasPrefix(payload, "@file:") && w.opts.Mode == ModeLLM:
		// An agent completes this via the API; the job stays running
		// under our lease until then.
		w.logger.Info().Str("job", job.ID).Str("payload", payload).Msg("LLM job, complete manually")
		return nil

	case strings.HasPrefix(payload, "@file:") && strings.Contains(payload, "#apply"):
		path, _, _ := strings.Cut(strings.TrimPrefix(payload, "@file:"), "#")
		return w.applyPatch(ctx, job, path)

	case strings.HasPrefix(payload, "@file:") && strings.Contains(payload, "#test"):
		path, _, _ := strings.Cut(strings.TrimPrefix(payload, "@file:"), "#")
		return w.checkFile(job, path)

	case strings.HasPrefix(payload, "@doc:"), strings.HasPrefix(payload, "@url:"),
		strings.HasPrefix(payload, "@git:"), strings.HasPrefix(payload, "@gh:"):
		// Metadata-only: mark done without execution.
		return w.reportDone(job)

	case strings.HasPrefix(payload, "@file:"):
		return w.reportFail(job, "LLM-required job; not executable in local mode")

	default:
		return w.reportFail(job, "unknown payload type: "+models.Truncate(payload, 40))
	}
}

// execCmd runs a shell command under the safety gate with the wall-clock
// cap, heartbeating while it runs.
func (w *Worker) execCmd(ctx context.Context, job models.Job, cmdStr string) error {
	if !IsCmdSafe(cmdStr) {
		return w.reportFail(job, "blocked command: "+models.Truncate(cmdStr, 60))
	}

	code, stdout, stderr, err := w.runShell(ctx, job, cmdStr)
	if err != nil {
		return w.reportFail(job, models.Truncate(err.Error(), 500))
	}
	if code == 0 {
		if out := strings.TrimSpace(stdout); out != "" {
			w.logger.Debug().Str("job", job.ID).Str("stdout", models.Truncate(out, 200)).Msg("command output")
		}
		return w.reportDone(job)
	}
	errMsg := stderr
	if errMsg == "" {
		errMsg = stdout
	}
	if errMsg == "" {
		errMsg = fmt.Sprintf("exit code %d", code)
	}
	return w.reportFail(job, models.Truncate(errMsg, 500))
}

// runShell executes cmdStr through sh -c with the configured timeout,
// sending heartbeats at a third of the lease interval. A lost heartbeat
// aborts the command: the job has already been reassigned.
func (w *Worker) runShell(ctx context.Context, job models.Job, cmdStr string) (int, string, string, error) {
	runCtx, cancel := context.WithTimeout(ctx, w.opts.CmdTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", cmdStr)
	if w.opts.WorkDir != "" {
		cmd.Dir = w.opts.WorkDir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		ticker := time.NewTicker(w.opts.Lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				ok, err := w.client.Heartbeat(job.ID, w.opts.Holder)
				if err != nil {
					w.logger.Warn().Err(err).Str("job", job.ID).Msg("heartbeat error")
					continue
				}
				if !ok {
					w.logger.Warn().Str("job", job.ID).Msg("lease lost, aborting")
					cancel()
					return
				}
			}
		}
	}()

	err := cmd.Run()
	cancel()
	<-hbDone

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return 124, "", "", fmt.Errorf("timeout after %ds", int(w.opts.CmdTimeout.Seconds()))
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), stdout.String(), stderr.String(), nil
		}
		return 1, stdout.String(), stderr.String(), err
	}
	return 0, stdout.String(), stderr.String(), nil
}

// applyPatch applies a .diff file with patch -p1.
func (w *Worker) applyPatch(ctx context.Context, job models.Job, path string) error {
	if _, err := os.Stat(path); err != nil {
		return w.reportFail(job, "patch file not found: "+path)
	}
	code, stdout, stderr, err := w.runShell(ctx, job, "patch -p1 < "+path)
	if err != nil {
		return w.reportFail(job, models.Truncate(err.Error(), 500))
	}
	if code == 0 {
		return w.reportDone(job)
	}
	errMsg := stderr
	if errMsg == "" {
		errMsg = stdout
	}
	return w.reportFail(job, models.Truncate(errMsg, 500))
}

// checkFile succeeds iff the file exists.
func (w *Worker) checkFile(job models.Job, path string) error {
	if _, err := os.Stat(path); err != nil {
		return w.reportFail(job, "test failed: "+path)
	}
	return w.reportDone(job)
}

func (w *Worker) reportDone(job models.Job) error {
	if err := w.client.Done(job.ID, w.opts.Holder); err != nil {
		w.logger.Warn().Err(err).Str("job", job.ID).Msg("report done failed")
	}
	return nil
}

func (w *Worker) reportFail(job models.Job, reason string) error {
	if err := w.client.Fail(job.ID, reason, w.opts.Holder); err != nil {
		w.logger.Warn().Err(err).Str("job", job.ID).Msg("report fail failed")
	}
	return fmt.Errorf("%s: %s", job.ID, reason)
}
