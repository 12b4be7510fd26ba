package scheduler

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/phuslu/log"
	"github.com/planq-io/planq/internal/artifact"
	"github.com/planq-io/planq/internal/models"
	"github.com/planq-io/planq/internal/store"
)

func newTestScheduler(t *testing.T) (*Scheduler, string) {
	t.Helper()
	tmp := t.TempDir()
	s, err := store.New(filepath.Join(tmp, "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	artifactDir := filepath.Join(tmp, "by-hash")
	logger := log.Logger{Level: log.ErrorLevel, Writer: log.IOWriter{Writer: io.Discard}}
	return New(s, artifact.NewIndex(artifactDir), logger), artifactDir
}

func TestEnqueueBadPayload(t *testing.T) {
	sch, _ := newTestScheduler(t)

	err := sch.Enqueue("j1", 0, "run this thing", nil, "", 0)
	if err == nil {
		t.Fatal("expected payload validation error")
	}
	if !strings.Contains(err.Error(), "payload must start with") {
		t.Errorf("unexpected error: %v", err)
	}

	// Validation errors never mutate state
	jobs, _ := sch.ListJobs("", 10)
	if len(jobs) != 0 {
		t.Errorf("bad payload inserted a job: %v", jobs)
	}
}

func TestClaimFIFO(t *testing.T) {
	sch, _ := newTestScheduler(t)

	sch.Enqueue("a", 0, "@cmd:echo a", nil, "", 0)
	time.Sleep(5 * time.Millisecond) // distinct created_at
	sch.Enqueue("b", 0, "@cmd:echo b", nil, "", 0)

	first, err := sch.Claim("w1", nil, 1, time.Minute)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if len(first) != 1 || first[0].ID != "a" {
		t.Fatalf("expected [a], got %v", first)
	}

	second, _ := sch.Claim("w1", nil, 1, time.Minute)
	if len(second) != 1 || second[0].ID != "b" {
		t.Fatalf("expected [b], got %v", second)
	}
}

func TestClaimDepGating(t *testing.T) {
	sch, _ := newTestScheduler(t)

	sch.Enqueue("a", 0, "@cmd:echo a", nil, "", 0)
	sch.Enqueue("b", 0, "@cmd:echo b", []string{"a"}, "", 0)

	jobs, _ := sch.Claim("w1", nil, 10, time.Minute)
	if len(jobs) != 1 || jobs[0].ID != "a" {
		t.Fatalf("expected only [a], got %v", jobs)
	}

	if err := sch.MarkDone("a", "w1"); err != nil {
		t.Fatalf("MarkDone failed: %v", err)
	}

	jobs, _ = sch.Claim("w1", nil, 10, time.Minute)
	if len(jobs) != 1 || jobs[0].ID != "b" {
		t.Fatalf("expected [b] after dep done, got %v", jobs)
	}
}

func TestClaimConcurrent(t *testing.T) {
	sch, _ := newTestScheduler(t)

	sch.Enqueue("j", 0, "@cmd:echo j", nil, "", 0)

	const workers = 8
	var wg sync.WaitGroup
	results := make([][]models.Job, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			jobs, err := sch.Claim("w", nil, 1, time.Minute)
			if err != nil {
				t.Errorf("Claim failed: %v", err)
				return
			}
			results[i] = jobs
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, jobs := range results {
		if len(jobs) == 1 {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("expected exactly 1 winner, got %d", winners)
	}
}

func TestClaimLaneFilter(t *testing.T) {
	sch, _ := newTestScheduler(t)

	sch.Enqueue("l1", 1, "@cmd:echo", nil, "", 0)
	sch.Enqueue("l2", 2, "@cmd:echo", nil, "", 0)

	lane := 2
	jobs, _ := sch.Claim("w1", &lane, 10, time.Minute)
	if len(jobs) != 1 || jobs[0].ID != "l2" {
		t.Fatalf("lane filter broken: %v", jobs)
	}
}

func TestStaleRequeueAndCap(t *testing.T) {
	sch, _ := newTestScheduler(t)

	sch.Enqueue("j", 0, "@cmd:echo", nil, "", 2)

	// W1 claims with a lease that expires immediately, then dies
	jobs, _ := sch.Claim("w1", nil, 1, time.Millisecond)
	if len(jobs) != 1 {
		t.Fatal("w1 should claim")
	}
	time.Sleep(5 * time.Millisecond)

	// Next claim sweeps and re-claims (attempt 2)
	jobs, _ = sch.Claim("w2", nil, 1, time.Millisecond)
	if len(jobs) != 1 {
		t.Fatalf("w2 should claim after sweep, got %v", jobs)
	}
	if jobs[0].Attempts != 2 {
		t.Errorf("expected attempt 2, got %d", jobs[0].Attempts)
	}
	time.Sleep(5 * time.Millisecond)

	// Third claim: sweep finds the cap reached; job fails, nothing claimed
	jobs, _ = sch.Claim("w3", nil, 1, time.Minute)
	if len(jobs) != 0 {
		t.Fatalf("expected no claim at cap, got %v", jobs)
	}

	failed, _ := sch.ListJobs("failed", 10)
	if len(failed) != 1 || failed[0].Error != "max attempts exceeded" {
		t.Fatalf("expected failed job with cap error, got %v", failed)
	}
}

func TestDedupeShortCircuit(t *testing.T) {
	sch, artifactDir := newTestScheduler(t)

	if err := os.MkdirAll(artifactDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(artifactDir, "abc123.txt"), []byte("artifact"), 0644); err != nil {
		t.Fatal(err)
	}

	sch.Enqueue("j", 0, "@file:out.txt#sha1=abc123", nil, "abc123", 0)

	jobs, err := sch.Claim("w1", nil, 1, time.Minute)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("dedupe job must not be returned, got %v", jobs)
	}

	done, _ := sch.ListJobs("done", 10)
	if len(done) != 1 || done[0].ID != "j" {
		t.Fatalf("expected job done via dedupe, got %v", done)
	}
	if done[0].Attempts != 0 {
		t.Errorf("dedupe must not count attempts, got %d", done[0].Attempts)
	}
	if done[0].Holder != "w1" {
		t.Errorf("holder should be stamped, got %q", done[0].Holder)
	}
}

func TestHeartbeatSemantics(t *testing.T) {
	sch, _ := newTestScheduler(t)

	sch.Enqueue("j", 0, "@cmd:echo", nil, "", 0)
	jobs, _ := sch.Claim("w1", nil, 1, time.Minute)
	if len(jobs) != 1 {
		t.Fatal("claim failed")
	}

	ok, err := sch.Heartbeat("j", "w1", time.Minute)
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if !ok {
		t.Error("heartbeat by holder should succeed")
	}

	ok, _ = sch.Heartbeat("j", "intruder", time.Minute)
	if ok {
		t.Error("heartbeat by non-holder should fail")
	}
}

func TestTerminalStatesStayTerminal(t *testing.T) {
	sch, _ := newTestScheduler(t)

	sch.Enqueue("j", 0, "@cmd:echo", nil, "", 0)
	sch.Claim("w1", nil, 1, time.Minute)
	sch.MarkDone("j", "w1")

	// done is terminal: a later fail is silently ignored
	if err := sch.MarkFailed("j", "oops", "w1"); err != nil {
		t.Fatalf("MarkFailed errored: %v", err)
	}
	done, _ := sch.ListJobs("done", 10)
	if len(done) != 1 {
		t.Fatal("done job left terminal state")
	}

	// and /ready never returns it again
	jobs, _ := sch.Claim("w2", nil, 10, time.Minute)
	if len(jobs) != 0 {
		t.Errorf("terminal job claimed: %v", jobs)
	}
}
