// Package models defines the core domain types for planq.
package models

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// DefaultMaxAttempts bounds how many times a job may transition
// queued -> running before a stale lease fails it permanently.
const DefaultMaxAttempts = 3

// ValidPrefixes is the closed set of recognized payload pointer prefixes.
// The scheduler treats everything after the prefix as opaque data.
var ValidPrefixes = []string{"@file:", "@cmd:", "@url:", "@git:", "@gh:", "@doc:"}

// ValidatePayload checks the payload pointer prefix against the allowed set.
func ValidatePayload(payload string) error {
	for _, p := range ValidPrefixes {
		if strings.HasPrefix(payload, p) {
			return nil
		}
	}
	return fmt.Errorf("payload must start with one of %v, got: %s", ValidPrefixes, Truncate(payload, 80))
}

// Job represents a unit of work in the scheduler.
type Job struct {
	ID          string     `json:"id"`
	Lane        int        `json:"lane"`
	Payload     string     `json:"payload"`
	Status      JobStatus  `json:"status"`
	Holder      string     `json:"holder,omitempty"`
	LeaseUntil  *time.Time `json:"lease_until,omitempty"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	DedupeKey   string     `json:"dedupe_key,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// EventKind identifies the transition an event records.
type EventKind string

const (
	EventEnqueued   EventKind = "enqueued"
	EventClaimed    EventKind = "claimed"
	EventDone       EventKind = "done"
	EventFailed     EventKind = "failed"
	EventRequeued   EventKind = "requeued"
	EventDedupeSkip EventKind = "dedupe_skip"
)

// Event is one row of the append-only audit log. The scheduler writes
// events but never reads them back.
type Event struct {
	TS    time.Time `json:"ts"`
	JobID string    `json:"job_id,omitempty"`
	Kind  EventKind `json:"kind"`
	Msg   string    `json:"msg,omitempty"`
}

// Truncate caps s at n bytes.
func Truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
