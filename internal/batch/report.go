package batch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// FailedUnit records one variant whose analysis or apply failed.
type FailedUnit struct {
	Timestamp    time.Time `json:"timestamp"`
	ProductID    string    `json:"productId"`
	VariantID    string    `json:"variantId"`
	ProductTitle string    `json:"productTitle"`
	VariantTitle string    `json:"variantTitle"`
	Error        string    `json:"error"`
}

// Summary holds the run totals.
type Summary struct {
	FatalError     string  `json:"fatalError,omitempty"`
	Total          int64   `json:"total"`
	Completed      int64   `json:"completed"`
	Failed         int64   `json:"failed"`
	Applied        int64   `json:"applied"`
	ApplyFailed    int64   `json:"applyFailed"`
	VolumeDerived  int64   `json:"volumeDerived"`
	Skipped        int64   `json:"skipped"`
	ElapsedMinutes float64 `json:"elapsedMinutes"`
	Fatal          bool    `json:"fatal"`
}

// Report accumulates the outcome of one run. Counters are updated atomically
// from workers; the failed-unit list is append-only until Finalize.
type Report struct {
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	RunID      string    `json:"runId"`

	Summary       Summary      `json:"summary"`
	FailedUnitIDs []string     `json:"failedUnitIds"`
	FailedUnits   []FailedUnit `json:"failedUnits"`

	completed     atomic.Int64
	failed        atomic.Int64
	applied       atomic.Int64
	applyFailed   atomic.Int64
	volumeDerived atomic.Int64
	skipped       atomic.Int64

	mu        sync.Mutex
	fatalErr  string
	finalized bool
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// NewReport starts a report for a run over total variants.
func NewReport(runID string, total int, startedAt time.Time) *Report {
	return &Report{
		RunID:     runID,
		StartedAt: startedAt,
		Summary:   Summary{Total: int64(total)},
	}
}

// RecordSuccess counts a variant whose analysis succeeded.
func (r *Report) RecordSuccess(volumeDerived bool) {
	r.completed.Add(1)
	if volumeDerived {
		r.volumeDerived.Add(1)
	}
}

// RecordApplied counts a variant whose price was written.
func (r *Report) RecordApplied() {
	r.applied.Add(1)
}

// RecordFailure counts a failed variant and keeps its details.
func (r *Report) RecordFailure(u FailedUnit) {
	r.failed.Add(1)
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now()
	}
	r.mu.Lock()
	r.FailedUnits = append(r.FailedUnits, u)
	r.mu.Unlock()
}

// RecordApplyFailure keeps a variant whose analysis succeeded but whose price
// could not be written. It is listed for resume without counting as an
// analysis failure.
func (r *Report) RecordApplyFailure(u FailedUnit) {
	r.applyFailed.Add(1)
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now()
	}
	r.mu.Lock()
	r.FailedUnits = append(r.FailedUnits, u)
	r.mu.Unlock()
}

// RecordSkipped counts variants that were never dispatched.
func (r *Report) RecordSkipped(n int) {
	r.skipped.Add(int64(n))
}

// SetFatal remembers the first fatal error of the run.
func (r *Report) SetFatal(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fatalErr == "" {
		r.fatalErr = msg
	}
}

// Processed returns how many variants have a terminal outcome so far.
func (r *Report) Processed() int64 {
	return r.completed.Load() + r.failed.Load()
}

// Snapshot returns the current totals without finalizing.
func (r *Report) Snapshot() Summary {
	r.mu.Lock()
	fatalErr := r.fatalErr
	r.mu.Unlock()
	return Summary{
		Total:          r.Summary.Total,
		Completed:      r.completed.Load(),
		Failed:         r.failed.Load(),
		Applied:        r.applied.Load(),
		ApplyFailed:    r.applyFailed.Load(),
		VolumeDerived:  r.volumeDerived.Load(),
		Skipped:        r.skipped.Load(),
		ElapsedMinutes: time.Since(r.StartedAt).Minutes(),
		Fatal:          fatalErr != "",
		FatalError:     fatalErr,
	}
}

// Finalize freezes the totals. Calling it again is a no-op.
func (r *Report) Finalize(finishedAt time.Time) {
	r.mu.Lock()
	if r.finalized {
		r.mu.Unlock()
		return
	}
	r.finalized = true
	r.mu.Unlock()

	r.Summary = r.Snapshot()
	r.FinishedAt = finishedAt
	r.Summary.ElapsedMinutes = finishedAt.Sub(r.StartedAt).Minutes()

	sort.SliceStable(r.FailedUnits, func(i, j int) bool {
		return r.FailedUnits[i].Timestamp.Before(r.FailedUnits[j].Timestamp)
	})
	r.FailedUnitIDs = make([]string, 0, len(r.FailedUnits))
	for _, u := range r.FailedUnits {
		r.FailedUnitIDs = append(r.FailedUnitIDs, u.VariantID)
	}
}

// FailedVariantIDs returns the distinct variant IDs that failed, in failure order.
func (r *Report) FailedVariantIDs() []string {
	ids := r.FailedUnitIDs
	if len(ids) == 0 {
		for _, u := range r.FailedUnits {
			ids = append(ids, u.VariantID)
		}
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Write stores the report as indented JSON, creating parent directories.
func (r *Report) Write(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// LoadReport reads a report written by Write.
func LoadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is chosen by the operator
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode report %s: %w", path, err)
	}
	r.finalized = true
	return &r, nil
}
