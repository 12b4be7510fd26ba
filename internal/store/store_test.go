package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/planq-io/planq/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestInsertJobIdempotent(t *testing.T) {
	s := newTestStore(t)

	if err := s.InsertJob("j1", 0, "@cmd:echo hi", "", 3); err != nil {
		t.Fatalf("InsertJob failed: %v", err)
	}
	// Duplicate id is a no-op
	if err := s.InsertJob("j1", 5, "@cmd:echo other", "", 3); err != nil {
		t.Fatalf("duplicate InsertJob failed: %v", err)
	}

	job, err := s.GetJob("j1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job == nil {
		t.Fatal("job not found")
	}
	if job.Lane != 0 || job.Payload != "@cmd:echo hi" {
		t.Errorf("duplicate insert overwrote job: lane=%d payload=%q", job.Lane, job.Payload)
	}
	if job.Status != models.JobStatusQueued {
		t.Errorf("expected queued, got %s", job.Status)
	}
	if job.Attempts != 0 {
		t.Errorf("expected 0 attempts, got %d", job.Attempts)
	}
}

func TestSelectReadyDepGating(t *testing.T) {
	s := newTestStore(t)

	s.InsertJob("a", 0, "@cmd:echo a", "", 3)
	s.InsertJob("b", 0, "@cmd:echo b", "", 3)
	s.InsertDep("b", "a")

	ready, err := s.SelectReady(nil, 10)
	if err != nil {
		t.Fatalf("SelectReady failed: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != "a" {
		t.Fatalf("expected only a ready, got %v", ready)
	}

	// Finish a; b becomes ready
	if ok, _ := s.ClaimJob("a", "w1", time.Now().Add(time.Minute)); !ok {
		t.Fatal("claim a failed")
	}
	if ok, _ := s.MarkDone("a", "w1"); !ok {
		t.Fatal("done a failed")
	}

	ready, err = s.SelectReady(nil, 10)
	if err != nil {
		t.Fatalf("SelectReady failed: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != "b" {
		t.Fatalf("expected b ready, got %v", ready)
	}
}

func TestSelectReadyLaneFilter(t *testing.T) {
	s := newTestStore(t)

	s.InsertJob("l0", 0, "@cmd:echo", "", 3)
	s.InsertJob("l1", 1, "@cmd:echo", "", 3)

	lane := 1
	ready, err := s.SelectReady(&lane, 10)
	if err != nil {
		t.Fatalf("SelectReady failed: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != "l1" {
		t.Fatalf("lane filter broken: %v", ready)
	}
}

func TestClaimJobConditional(t *testing.T) {
	s := newTestStore(t)

	s.InsertJob("j1", 0, "@cmd:echo", "", 3)
	leaseUntil := time.Now().Add(time.Minute)

	ok, err := s.ClaimJob("j1", "w1", leaseUntil)
	if err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}
	if !ok {
		t.Fatal("first claim should succeed")
	}

	// Second claim loses: job is no longer queued
	ok, err = s.ClaimJob("j1", "w2", leaseUntil)
	if err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}
	if ok {
		t.Fatal("second claim should fail")
	}

	job, _ := s.GetJob("j1")
	if job.Status != models.JobStatusRunning {
		t.Errorf("expected running, got %s", job.Status)
	}
	if job.Holder != "w1" {
		t.Errorf("expected holder w1, got %s", job.Holder)
	}
	if job.LeaseUntil == nil {
		t.Error("expected lease_until set")
	}
	if job.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", job.Attempts)
	}
}

func TestMarkDoneHolderGuard(t *testing.T) {
	s := newTestStore(t)

	s.InsertJob("j1", 0, "@cmd:echo", "", 3)
	s.ClaimJob("j1", "w1", time.Now().Add(time.Minute))

	// Wrong holder: late write from a stolen lease affects nothing
	ok, err := s.MarkDone("j1", "w2")
	if err != nil {
		t.Fatalf("MarkDone failed: %v", err)
	}
	if ok {
		t.Error("done with wrong holder should not apply")
	}

	job, _ := s.GetJob("j1")
	if job.Status != models.JobStatusRunning {
		t.Errorf("status changed by stale writer: %s", job.Status)
	}

	// Right holder
	ok, _ = s.MarkDone("j1", "w1")
	if !ok {
		t.Error("done with right holder should apply")
	}
	job, _ = s.GetJob("j1")
	if job.Status != models.JobStatusDone {
		t.Errorf("expected done, got %s", job.Status)
	}
	if job.LeaseUntil != nil {
		t.Error("terminal job should have no lease")
	}
}

func TestMarkFailedTruncatesError(t *testing.T) {
	s := newTestStore(t)

	s.InsertJob("j1", 0, "@cmd:echo", "", 3)
	s.ClaimJob("j1", "w1", time.Now().Add(time.Minute))

	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	ok, err := s.MarkFailed("j1", string(long), "w1")
	if err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if !ok {
		t.Fatal("expected failure to apply")
	}

	job, _ := s.GetJob("j1")
	if job.Status != models.JobStatusFailed {
		t.Errorf("expected failed, got %s", job.Status)
	}
	if len(job.Error) != 1000 {
		t.Errorf("expected error truncated to 1000, got %d", len(job.Error))
	}
}

func TestHeartbeat(t *testing.T) {
	s := newTestStore(t)

	s.InsertJob("j1", 0, "@cmd:echo", "", 3)
	s.ClaimJob("j1", "w1", time.Now().Add(time.Second))

	newLease := time.Now().Add(time.Minute)
	ok, err := s.Heartbeat("j1", "w1", newLease)
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if !ok {
		t.Error("heartbeat by holder should succeed")
	}

	// Wrong holder
	ok, _ = s.Heartbeat("j1", "w2", newLease)
	if ok {
		t.Error("heartbeat by non-holder should fail")
	}

	// Terminal job
	s.MarkDone("j1", "w1")
	ok, _ = s.Heartbeat("j1", "w1", newLease)
	if ok {
		t.Error("heartbeat on done job should fail")
	}
}

func TestRequeueStale(t *testing.T) {
	s := newTestStore(t)

	s.InsertJob("j1", 0, "@cmd:echo", "", 2)
	s.ClaimJob("j1", "w1", time.Now().Add(-time.Second)) // already expired

	swept, err := s.RequeueStale(time.Now())
	if err != nil {
		t.Fatalf("RequeueStale failed: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected 1 swept, got %d", swept)
	}

	job, _ := s.GetJob("j1")
	if job.Status != models.JobStatusQueued {
		t.Errorf("expected queued after sweep, got %s", job.Status)
	}
	if job.Holder != "" || job.LeaseUntil != nil {
		t.Error("holder and lease should be cleared")
	}
	if job.Attempts != 1 {
		t.Errorf("attempts should be preserved, got %d", job.Attempts)
	}
}

func TestRequeueStaleMaxAttempts(t *testing.T) {
	s := newTestStore(t)

	s.InsertJob("j1", 0, "@cmd:echo", "", 2)

	// First death
	s.ClaimJob("j1", "w1", time.Now().Add(-time.Second))
	s.RequeueStale(time.Now())

	// Second death: attempts now at the cap
	s.ClaimJob("j1", "w2", time.Now().Add(-time.Second))
	s.RequeueStale(time.Now())

	job, _ := s.GetJob("j1")
	if job.Status != models.JobStatusFailed {
		t.Fatalf("expected failed at attempt cap, got %s", job.Status)
	}
	if job.Error != "max attempts exceeded" {
		t.Errorf("unexpected error message: %q", job.Error)
	}
	if job.Attempts > job.MaxAttempts {
		t.Errorf("attempts %d exceeded cap %d", job.Attempts, job.MaxAttempts)
	}
}

func TestRequeueStaleLeavesLiveLeases(t *testing.T) {
	s := newTestStore(t)

	s.InsertJob("j1", 0, "@cmd:echo", "", 3)
	s.ClaimJob("j1", "w1", time.Now().Add(time.Minute))

	swept, err := s.RequeueStale(time.Now())
	if err != nil {
		t.Fatalf("RequeueStale failed: %v", err)
	}
	if swept != 0 {
		t.Errorf("live lease swept: %d", swept)
	}

	job, _ := s.GetJob("j1")
	if job.Status != models.JobStatusRunning {
		t.Errorf("expected running, got %s", job.Status)
	}
}

func TestMarkDedupeDone(t *testing.T) {
	s := newTestStore(t)

	s.InsertJob("j1", 0, "@file:out.txt#sha1=abc123", "abc123", 3)

	ok, err := s.MarkDedupeDone("j1", "w1", "abc123")
	if err != nil {
		t.Fatalf("MarkDedupeDone failed: %v", err)
	}
	if !ok {
		t.Fatal("dedupe done should apply to queued job")
	}

	job, _ := s.GetJob("j1")
	if job.Status != models.JobStatusDone {
		t.Errorf("expected done, got %s", job.Status)
	}
	if job.Attempts != 0 {
		t.Errorf("dedupe must not count an attempt, got %d", job.Attempts)
	}

	events, _ := s.ListEvents("j1", 10)
	found := false
	for _, ev := range events {
		if ev.Kind == models.EventDedupeSkip {
			found = true
		}
	}
	if !found {
		t.Error("expected dedupe_skip event")
	}
}

func TestStatsAndList(t *testing.T) {
	s := newTestStore(t)

	s.InsertJob("a", 0, "@cmd:echo", "", 3)
	s.InsertJob("b", 0, "@cmd:echo", "", 3)
	s.ClaimJob("a", "w1", time.Now().Add(time.Minute))

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats["queued"] != 1 || stats["running"] != 1 || stats["total"] != 2 {
		t.Errorf("unexpected stats: %v", stats)
	}

	jobs, err := s.ListJobs("queued", 100)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "b" {
		t.Errorf("unexpected queued list: %v", jobs)
	}

	all, _ := s.ListJobs("", 100)
	if len(all) != 2 {
		t.Errorf("expected 2 jobs, got %d", len(all))
	}
}

func TestEventLog(t *testing.T) {
	s := newTestStore(t)

	s.InsertJob("j1", 0, "@cmd:echo", "", 3)
	s.ClaimJob("j1", "w1", time.Now().Add(time.Minute))
	s.MarkDone("j1", "w1")

	events, err := s.ListEvents("j1", 10)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	kinds := make([]models.EventKind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	want := []models.EventKind{models.EventEnqueued, models.EventClaimed, models.EventDone}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], kinds[i])
		}
	}
}
