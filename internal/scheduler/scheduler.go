// Package scheduler implements the planq scheduling logic over the store.
//
// All operations go through the durable store; the scheduler itself keeps
// no state. Dependency cycles are not detected: jobs on a cycle simply
// never become ready, which is the documented behavior.
package scheduler

import (
	"fmt"
	"time"

	"github.com/phuslu/log"
	"github.com/planq-io/planq/internal/artifact"
	"github.com/planq-io/planq/internal/models"
	"github.com/planq-io/planq/internal/store"
)

// DefaultLease is the lease window applied when a claim does not specify one.
const DefaultLease = 30 * time.Second

// Scheduler coordinates job state transitions.
type Scheduler struct {
	store     *store.Store
	artifacts *artifact.Index
	logger    log.Logger
}

// New creates a scheduler over the given store and artifact index.
func New(s *store.Store, ix *artifact.Index, logger log.Logger) *Scheduler {
	return &Scheduler{store: s, artifacts: ix, logger: logger}
}

// Enqueue validates the payload pointer and inserts the job plus its
// dependency edges. Re-enqueueing an existing id is a no-op.
func (sch *Scheduler) Enqueue(id string, lane int, payload string, deps []string, dedupeKey string, maxAttempts int) error {
	if err := models.ValidatePayload(payload); err != nil {
		return err
	}
	if maxAttempts <= 0 {
		maxAttempts = models.DefaultMaxAttempts
	}
	if err := sch.store.InsertJob(id, lane, payload, dedupeKey, maxAttempts); err != nil {
		return err
	}
	for _, dep := range deps {
		if err := sch.store.InsertDep(id, dep); err != nil {
			return err
		}
	}
	sch.logger.Debug().Str("job", id).Int("lane", lane).Msg("enqueued")
	return nil
}

// Claim hands up to batch ready jobs to holder, each leased for the given
// window. The stale-lease sweep runs first so recovery cost is amortized
// across the claim workload. Jobs whose dedupe key matches an existing
// artifact are marked done and not returned. Fewer than batch is normal.
func (sch *Scheduler) Claim(holder string, lane *int, batch int, lease time.Duration) ([]models.Job, error) {
	if batch <= 0 {
		batch = 1
	}
	if lease <= 0 {
		lease = DefaultLease
	}

	now := time.Now().UTC()
	if swept, err := sch.store.RequeueStale(now); err != nil {
		return nil, fmt.Errorf("stale sweep: %w", err)
	} else if swept > 0 {
		sch.logger.Info().Int("swept", swept).Msg("requeued stale leases")
	}

	candidates, err := sch.store.SelectReady(lane, batch)
	if err != nil {
		return nil, err
	}

	leaseUntil := now.Add(lease)
	var claimed []models.Job
	for _, job := range candidates {
		if job.DedupeKey != "" && sch.artifacts.Has(job.DedupeKey) {
			if _, err := sch.store.MarkDedupeDone(job.ID, holder, job.DedupeKey); err != nil {
				return nil, err
			}
			sch.logger.Info().Str("job", job.ID).Str("key", job.DedupeKey).Msg("dedupe skip")
			continue
		}

		ok, err := sch.store.ClaimJob(job.ID, holder, leaseUntil)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Another worker won the race between select and update.
			continue
		}
		job.Status = models.JobStatusRunning
		job.Holder = holder
		lu := leaseUntil
		job.LeaseUntil = &lu
		job.Attempts++
		claimed = append(claimed, job)
	}
	return claimed, nil
}

// Heartbeat extends the lease on a running job. A false return means the
// job was reclaimed or terminated and the holder must abandon its work.
func (sch *Scheduler) Heartbeat(id, holder string, lease time.Duration) (bool, error) {
	if lease <= 0 {
		lease = DefaultLease
	}
	return sch.store.Heartbeat(id, holder, time.Now().UTC().Add(lease))
}

// MarkDone records successful completion. When holder is given it must
// match the recorded holder; a late write from a stolen lease affects
// nothing.
func (sch *Scheduler) MarkDone(id, holder string) error {
	_, err := sch.store.MarkDone(id, holder)
	return err
}

// MarkFailed records terminal failure. Explicit failure does not
// re-enqueue; only stale-lease recovery retries.
func (sch *Scheduler) MarkFailed(id, errMsg, holder string) error {
	_, err := sch.store.MarkFailed(id, errMsg, holder)
	return err
}

// RequeueStale runs the recovery sweep on demand.
func (sch *Scheduler) RequeueStale() (int, error) {
	return sch.store.RequeueStale(time.Now().UTC())
}

// Stats returns job counts per status.
func (sch *Scheduler) Stats() (map[string]int, error) {
	return sch.store.Stats()
}

// ListJobs lists jobs oldest-first, optionally filtered by status.
func (sch *Scheduler) ListJobs(status string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	return sch.store.ListJobs(status, limit)
}
