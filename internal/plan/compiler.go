// Package plan compiles markdown plan documents into scheduler jobs.
//
// A plan is a markdown file with embedded directives:
//
//	policy: accrue_all_ideas=true
//	plan_id=myplan
//	- [ ] id=build lane=1 payload=@cmd:go build ./...
//	- [ ] id=test lane=1 payload=@cmd:go test ./... deps=build
//
// Step payloads begin at the first "payload=" token and extend to end of
// line; trailing deps= and dedupe= fields are stripped from the right.
// A payload whose text legitimately contains "deps=" or "dedupe=" will
// therefore be truncated at that token.
package plan

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/planq-io/planq/internal/models"
)

// Sentinel errors for plan compilation.
var (
	ErrNoSteps     = errors.New("plan contains no steps")
	ErrUnknownDep  = errors.New("unknown dep")
	ErrOrphanIdeas = errors.New("orphan ideas present")
)

// Step is one compiled plan step.
type Step struct {
	ID        string   `json:"id"`
	GlobalID  string   `json:"global_id"`
	Lane      int      `json:"lane"`
	Payload   string   `json:"payload"`
	Deps      []string `json:"deps,omitempty"`
	DedupeKey string   `json:"dedupe_key,omitempty"`
}

// Plan is a compiled plan document.
type Plan struct {
	ID     string            `json:"plan_id"`
	Steps  []Step            `json:"steps"`
	Policy map[string]string `json:"policy,omitempty"`
}

var (
	stepRe  = regexp.MustCompile(`^-\s*\[\s*\]\s+(.+)$`)
	fieldRe = regexp.MustCompile(`(\w+)=(\S+)`)
	shaRe   = regexp.MustCompile(`#sha1=([a-fA-F0-9]+)`)
)

// Slug sanitizes a plan file name stem to [A-Za-z0-9_.-].
func Slug(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return regexp.MustCompile(`[^a-zA-Z0-9_.-]`).ReplaceAllString(name, "_")
}

// ExtractSHA pulls a #sha1=<hex> content hash out of a payload, if present.
func ExtractSHA(payload string) string {
	m := shaRe.FindStringSubmatch(payload)
	if m != nil {
		return m[1]
	}
	return ""
}

// CompileFile reads and compiles the plan at path.
func CompileFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return Compile(Slug(path), string(data))
}

// Compile parses a plan document and validates it completely before
// returning, so that callers can apply the result atomically: a plan
// that compiles never produces a partial job set.
func Compile(slug, text string) (*Plan, error) {
	lines := strings.Split(text, "\n")

	policy := map[string]string{}
	for _, line := range lines {
		stripped := strings.ToLower(strings.TrimSpace(line))
		if !strings.HasPrefix(stripped, "policy:") {
			continue
		}
		for _, part := range strings.Split(stripped[len("policy:"):], ",") {
			part = strings.TrimSpace(part)
			if k, v, ok := strings.Cut(part, "="); ok {
				policy[strings.TrimSpace(k)] = strings.TrimSpace(v)
			}
		}
	}

	planID := slug
	for _, line := range lines {
		stripped := strings.TrimSpace(line)
		if strings.HasPrefix(strings.ToLower(stripped), "plan_id=") {
			if _, v, ok := strings.Cut(stripped, "="); ok {
				planID = strings.TrimSpace(v)
			}
			break
		}
	}

	// ACCRUE_ALL_IDEAS: every idea must be a step before the plan can run.
	if policy["accrue_all_ideas"] == "true" {
		orphans := 0
		for _, line := range lines {
			if strings.Contains(line, "TODO_ORPHAN:") {
				orphans++
			}
		}
		if orphans > 0 {
			return nil, fmt.Errorf("%w: accrue_all_ideas policy active but %d TODO_ORPHAN markers found; capture every idea as a step first", ErrOrphanIdeas, orphans)
		}
	}

	var steps []Step
	for _, line := range lines {
		m := stepRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		rest := m[1]

		fields := map[string]string{}
		for _, f := range fieldRe.FindAllStringSubmatch(rest, -1) {
			fields[f[1]] = f[2]
		}
		if fields["id"] == "" || fields["lane"] == "" {
			continue
		}

		payloadStart := strings.Index(rest, "payload=")
		if payloadStart < 0 {
			continue
		}
		payload := rest[payloadStart+len("payload="):]
		// Strip trailing field assignments from the right; payload text may
		// contain spaces and '=' characters.
		for _, trailing := range []string{"deps=", "dedupe="} {
			if idx := strings.LastIndex(payload, trailing); idx > 0 {
				payload = strings.TrimRight(payload[:idx], " \t")
			}
		}
		if err := models.ValidatePayload(payload); err != nil {
			return nil, fmt.Errorf("step %q: %w", fields["id"], err)
		}

		lane, err := strconv.Atoi(fields["lane"])
		if err != nil {
			return nil, fmt.Errorf("step %q: invalid lane %q", fields["id"], fields["lane"])
		}

		var deps []string
		for _, d := range strings.Split(fields["deps"], ",") {
			if d = strings.TrimSpace(d); d != "" {
				deps = append(deps, d)
			}
		}

		dedupeKey := fields["dedupe"]
		if dedupeKey == "" {
			dedupeKey = ExtractSHA(payload)
		}

		steps = append(steps, Step{
			ID:        fields["id"],
			GlobalID:  planID + "::" + fields["id"],
			Lane:      lane,
			Payload:   payload,
			Deps:      deps,
			DedupeKey: dedupeKey,
		})
	}

	if len(steps) == 0 {
		return nil, ErrNoSteps
	}

	// Deps are local to the plan; resolve them all before anything is applied.
	idMap := map[string]string{}
	for _, s := range steps {
		idMap[s.ID] = s.GlobalID
	}
	for _, s := range steps {
		for _, dep := range s.Deps {
			if _, ok := idMap[dep]; !ok {
				return nil, fmt.Errorf("%w: step %q depends on unknown step %q", ErrUnknownDep, s.ID, dep)
			}
		}
	}

	return &Plan{ID: planID, Steps: steps, Policy: policy}, nil
}

// Enqueuer is the scheduler surface the compiler applies a plan through.
type Enqueuer interface {
	Enqueue(id string, lane int, payload string, deps []string, dedupeKey string, maxAttempts int) error
}

// Apply enqueues every step of a compiled plan. Dep references are
// rewritten to global ids. Insert-if-absent semantics make Apply
// idempotent: expanding the same plan twice produces the same job set.
func (p *Plan) Apply(enq Enqueuer) error {
	idMap := map[string]string{}
	for _, s := range p.Steps {
		idMap[s.ID] = s.GlobalID
	}
	for _, s := range p.Steps {
		deps := make([]string, 0, len(s.Deps))
		for _, d := range s.Deps {
			deps = append(deps, idMap[d])
		}
		if err := enq.Enqueue(s.GlobalID, s.Lane, s.Payload, deps, s.DedupeKey, models.DefaultMaxAttempts); err != nil {
			return fmt.Errorf("enqueue step %q: %w", s.ID, err)
		}
	}
	return nil
}
