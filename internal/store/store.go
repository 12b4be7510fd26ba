// Package store provides SQLite-backed persistence for the planq job graph.
//
// The store is the sole serialization point for state transitions. All
// mutating operations are conditional updates guarded on the current
// status so that concurrent claimers race safely: the first writer wins
// and every loser observes zero rows affected.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/planq-io/planq/internal/models"
	_ "modernc.org/sqlite"
)

// Store provides access to the planq SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		lane INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued',
		holder TEXT,
		lease_until DATETIME,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		dedupe_key TEXT,
		error TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS job_deps (
		job_id TEXT NOT NULL,
		dep_id TEXT NOT NULL,
		PRIMARY KEY (job_id, dep_id),
		FOREIGN KEY (job_id) REFERENCES jobs(id),
		FOREIGN KEY (dep_id) REFERENCES jobs(id)
	);

	CREATE TABLE IF NOT EXISTS events (
		ts DATETIME NOT NULL,
		job_id TEXT,
		kind TEXT NOT NULL,
		msg TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_lane ON jobs(lane);
	CREATE INDEX IF NOT EXISTS idx_jobs_dedupe ON jobs(dedupe_key);
	CREATE INDEX IF NOT EXISTS idx_job_deps_dep ON job_deps(dep_id);
	CREATE INDEX IF NOT EXISTS idx_events_job ON events(job_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Job Operations ---

// InsertJob inserts a job in queued state. Inserting an existing id is a
// no-op; an "enqueued" event is appended either way, matching the
// insert-if-absent idempotence of plan expansion.
func (s *Store) InsertJob(id string, lane int, payload, dedupeKey string, maxAttempts int) error {
	now := time.Now().UTC()
	var dk sql.NullString
	if dedupeKey != "" {
		dk = sql.NullString{String: dedupeKey, Valid: true}
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO jobs (id, lane, payload, status, dedupe_key, max_attempts, created_at, updated_at)
		 VALUES (?, ?, ?, 'queued', ?, ?, ?, ?)`,
		id, lane, payload, dk, maxAttempts, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return s.AppendEvent(id, models.EventEnqueued, models.Truncate(payload, 120))
}

// InsertDep inserts a dependency edge. Duplicate edges are silently ignored.
func (s *Store) InsertDep(jobID, depID string) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO job_deps (job_id, dep_id) VALUES (?, ?)`,
		jobID, depID,
	)
	if err != nil {
		return fmt.Errorf("insert dep: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID. Returns nil when the job does not exist.
func (s *Store) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(
		`SELECT id, lane, payload, status, holder, lease_until, attempts, max_attempts, dedupe_key, error, created_at, updated_at
		 FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

// SelectReady returns queued jobs whose every dependency is done,
// oldest-first by created_at with id as the tie-break, bounded by limit.
// A nil lane means any lane.
func (s *Store) SelectReady(lane *int, limit int) ([]models.Job, error) {
	query := `
		SELECT j.id, j.lane, j.payload, j.status, j.holder, j.lease_until, j.attempts, j.max_attempts, j.dedupe_key, j.error, j.created_at, j.updated_at
		FROM jobs j
		WHERE j.status = 'queued'`
	var args []interface{}
	if lane != nil {
		query += ` AND j.lane = ?`
		args = append(args, *lane)
	}
	query += `
		AND NOT EXISTS (
			SELECT 1 FROM job_deps d
			LEFT JOIN jobs dj ON dj.id = d.dep_id
			WHERE d.job_id = j.id AND (dj.status IS NULL OR dj.status != 'done')
		)
		ORDER BY j.created_at, j.id
		LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ready: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ready job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// ClaimJob transitions a job from queued to running, stamping the holder
// and lease and incrementing attempts. Returns false when the job was no
// longer queued, i.e. another worker won the race.
func (s *Store) ClaimJob(id, holder string, leaseUntil time.Time) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE jobs SET status='running', holder=?, lease_until=?, attempts=attempts+1, updated_at=?
		 WHERE id=? AND status='queued'`,
		holder, leaseUntil.UTC(), now, id,
	)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	return true, s.AppendEvent(id, models.EventClaimed, "holder="+holder)
}

// MarkDedupeDone transitions a queued job straight to done without a
// claim, stamping the holder that observed the existing artifact. The
// attempts counter is untouched.
func (s *Store) MarkDedupeDone(id, holder, dedupeKey string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE jobs SET status='done', holder=?, updated_at=? WHERE id=? AND status='queued'`,
		holder, now, id,
	)
	if err != nil {
		return false, fmt.Errorf("dedupe done: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	return true, s.AppendEvent(id, models.EventDedupeSkip, "artifact exists for "+dedupeKey)
}

// MarkDone transitions a running job to done. When holder is non-empty it
// must match the recorded holder; a mismatch (stolen lease) affects no
// rows and is reported as false.
func (s *Store) MarkDone(id, holder string) (bool, error) {
	now := time.Now().UTC()
	var res sql.Result
	var err error
	if holder != "" {
		res, err = s.db.Exec(
			`UPDATE jobs SET status='done', lease_until=NULL, updated_at=? WHERE id=? AND status='running' AND holder=?`,
			now, id, holder,
		)
	} else {
		res, err = s.db.Exec(
			`UPDATE jobs SET status='done', lease_until=NULL, updated_at=? WHERE id=? AND status='running'`,
			now, id,
		)
	}
	if err != nil {
		return false, fmt.Errorf("mark done: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := s.AppendEvent(id, models.EventDone, ""); err != nil {
		return n > 0, err
	}
	return n > 0, nil
}

// MarkFailed transitions a running job to failed, storing the error
// truncated to 1000 chars. Holder semantics match MarkDone.
func (s *Store) MarkFailed(id, errMsg, holder string) (bool, error) {
	now := time.Now().UTC()
	stored := models.Truncate(errMsg, 1000)
	var res sql.Result
	var err error
	if holder != "" {
		res, err = s.db.Exec(
			`UPDATE jobs SET status='failed', error=?, lease_until=NULL, updated_at=? WHERE id=? AND status='running' AND holder=?`,
			stored, now, id, holder,
		)
	} else {
		res, err = s.db.Exec(
			`UPDATE jobs SET status='failed', error=?, lease_until=NULL, updated_at=? WHERE id=? AND status='running'`,
			stored, now, id,
		)
	}
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := s.AppendEvent(id, models.EventFailed, models.Truncate(errMsg, 200)); err != nil {
		return n > 0, err
	}
	return n > 0, nil
}

// Heartbeat extends the lease of a running job. Returns false when the
// job is no longer running under this holder; the caller must abandon
// its work.
func (s *Store) Heartbeat(id, holder string, leaseUntil time.Time) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE jobs SET lease_until=?, updated_at=? WHERE id=? AND status='running' AND holder=?`,
		leaseUntil.UTC(), now, id, holder,
	)
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RequeueStale sweeps running jobs whose lease expired before now.
// Below the attempt cap a job returns to queued with holder and lease
// cleared; at the cap it fails with "max attempts exceeded". The sweep
// runs in a single transaction so two concurrent claimers do not both
// requeue the same job. Returns the number of jobs swept.
func (s *Store) RequeueStale(now time.Time) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT id, attempts, max_attempts FROM jobs WHERE status='running' AND lease_until < ?`,
		now.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("scan stale: %w", err)
	}

	type stale struct {
		id                    string
		attempts, maxAttempts int
	}
	var staleJobs []stale
	for rows.Next() {
		var st stale
		if err := rows.Scan(&st.id, &st.attempts, &st.maxAttempts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan stale row: %w", err)
		}
		staleJobs = append(staleJobs, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	ts := time.Now().UTC()
	for _, st := range staleJobs {
		if st.attempts < st.maxAttempts {
			if _, err := tx.Exec(
				`UPDATE jobs SET status='queued', holder=NULL, lease_until=NULL, updated_at=? WHERE id=?`,
				ts, st.id,
			); err != nil {
				return 0, fmt.Errorf("requeue job: %w", err)
			}
			if _, err := tx.Exec(
				`INSERT INTO events (ts, job_id, kind, msg) VALUES (?, ?, ?, ?)`,
				ts, st.id, models.EventRequeued, "stale lease",
			); err != nil {
				return 0, fmt.Errorf("log requeue: %w", err)
			}
		} else {
			if _, err := tx.Exec(
				`UPDATE jobs SET status='failed', error='max attempts exceeded', lease_until=NULL, updated_at=? WHERE id=?`,
				ts, st.id,
			); err != nil {
				return 0, fmt.Errorf("fail stale job: %w", err)
			}
			if _, err := tx.Exec(
				`INSERT INTO events (ts, job_id, kind, msg) VALUES (?, ?, ?, ?)`,
				ts, st.id, models.EventFailed, "max attempts exceeded",
			); err != nil {
				return 0, fmt.Errorf("log stale failure: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return len(staleJobs), nil
}

// Stats returns job counts per status plus a "total" key.
func (s *Store) Stats() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	stats := map[string]int{}
	total := 0
	for rows.Next() {
		var status string
		var cnt int
		if err := rows.Scan(&status, &cnt); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats[status] = cnt
		total += cnt
	}
	stats["total"] = total
	return stats, rows.Err()
}

// ListJobs returns jobs oldest-first, optionally filtered by status.
func (s *Store) ListJobs(status string, limit int) ([]models.Job, error) {
	query := `SELECT id, lane, payload, status, holder, lease_until, attempts, max_attempts, dedupe_key, error, created_at, updated_at FROM jobs`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// AppendEvent writes one row to the append-only event log. The msg is
// truncated to 500 chars.
func (s *Store) AppendEvent(jobID string, kind models.EventKind, msg string) error {
	var jid sql.NullString
	if jobID != "" {
		jid = sql.NullString{String: jobID, Valid: true}
	}
	_, err := s.db.Exec(
		`INSERT INTO events (ts, job_id, kind, msg) VALUES (?, ?, ?, ?)`,
		time.Now().UTC(), jid, kind, models.Truncate(msg, 500),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents returns events for a job, oldest-first. Used by tests; the
// scheduler itself never reads the log.
func (s *Store) ListEvents(jobID string, limit int) ([]models.Event, error) {
	rows, err := s.db.Query(
		`SELECT ts, job_id, kind, msg FROM events WHERE job_id = ? ORDER BY ts LIMIT ?`,
		jobID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var ev models.Event
		var jid sql.NullString
		var msg sql.NullString
		if err := rows.Scan(&ev.TS, &jid, &ev.Kind, &msg); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if jid.Valid {
			ev.JobID = jid.String
		}
		if msg.Valid {
			ev.Msg = msg.String
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(sc scanner) (*models.Job, error) {
	job := &models.Job{}
	var holder, dedupeKey, errMsg sql.NullString
	var leaseUntil sql.NullTime

	err := sc.Scan(
		&job.ID, &job.Lane, &job.Payload, &job.Status, &holder, &leaseUntil,
		&job.Attempts, &job.MaxAttempts, &dedupeKey, &errMsg,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if holder.Valid {
		job.Holder = holder.String
	}
	if leaseUntil.Valid {
		t := leaseUntil.Time
		job.LeaseUntil = &t
	}
	if dedupeKey.Valid {
		job.DedupeKey = dedupeKey.String
	}
	if errMsg.Valid {
		job.Error = errMsg.String
	}
	return job, nil
}
