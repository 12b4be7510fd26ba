// Package client implements the HTTP client for the planq control plane.
// It is shared by the worker runtime, the TUI, and the CLI subcommands.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/planq-io/planq/internal/models"
)

// DefaultTimeout is the default timeout for API requests.
const DefaultTimeout = 10 * time.Second

// Client is a thin JSON client over the control plane API.
type Client struct {
	base string
	http *http.Client
}

// New creates a client for the API at base, e.g. "http://127.0.0.1:7337".
func New(base string) *Client {
	return &Client{
		base: base,
		http: &http.Client{Timeout: DefaultTimeout},
	}
}

func (c *Client) get(path string, out interface{}) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}
	if out != nil {
		return json.Unmarshal(body, out)
	}
	return nil
}

func (c *Client) post(path string, data, out interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.base+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}
	if out != nil {
		return json.Unmarshal(body, out)
	}
	return nil
}

// Health checks daemon liveness.
func (c *Client) Health() error {
	return c.get("/health", nil)
}

// Stats returns job counts per status.
func (c *Client) Stats() (map[string]int, error) {
	var stats map[string]int
	if err := c.get("/stats", &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// Ready claims up to batch ready jobs for holder. A nil lane means any.
func (c *Client) Ready(holder string, lane *int, batch int) ([]models.Job, error) {
	q := url.Values{}
	q.Set("holder", holder)
	q.Set("batch", strconv.Itoa(batch))
	if lane != nil {
		q.Set("lane", strconv.Itoa(*lane))
	}
	var resp struct {
		Jobs []models.Job `json:"jobs"`
	}
	if err := c.get("/ready?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// Jobs lists jobs, optionally filtered by status.
func (c *Client) Jobs(status string, limit int) ([]models.Job, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if status != "" {
		q.Set("status", status)
	}
	var resp struct {
		Jobs []models.Job `json:"jobs"`
	}
	if err := c.get("/jobs?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// EnqueueRequest is the body of POST /enqueue.
type EnqueueRequest struct {
	ID          string   `json:"id"`
	Lane        int      `json:"lane"`
	Payload     string   `json:"payload"`
	Deps        []string `json:"deps,omitempty"`
	DedupeKey   string   `json:"dedupe_key,omitempty"`
	MaxAttempts int      `json:"max_attempts,omitempty"`
}

// Enqueue inserts a job.
func (c *Client) Enqueue(req EnqueueRequest) error {
	return c.post("/enqueue", req, nil)
}

// Done marks a job done. Holder may be empty.
func (c *Client) Done(id, holder string) error {
	return c.post("/done", map[string]string{"id": id, "holder": holder}, nil)
}

// Fail marks a job failed. Holder may be empty.
func (c *Client) Fail(id, errMsg, holder string) error {
	return c.post("/fail", map[string]string{"id": id, "error": errMsg, "holder": holder}, nil)
}

// Heartbeat extends the lease on a running job. ok=false means the lease
// was lost and the caller must abandon the job.
func (c *Client) Heartbeat(id, holder string) (bool, error) {
	var resp struct {
		OK bool `json:"ok"`
	}
	if err := c.post("/heartbeat", map[string]string{"id": id, "holder": holder}, &resp); err != nil {
		return false, err
	}
	return resp.OK, nil
}

// ExpandResult is the response of POST /expand.
type ExpandResult struct {
	PlanID string `json:"plan_id"`
	Steps  int    `json:"steps"`
}

// Expand compiles the plan file at path into jobs.
func (c *Client) Expand(path string) (*ExpandResult, error) {
	var res ExpandResult
	if err := c.post("/expand", map[string]string{"plan": path}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
