package cli

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Veraticus/the-price-must-flow/internal/batch"
)

func finishedReport(failures int, fatal string) *batch.Report {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r := batch.NewReport("run-7", 20, start)
	for range 5 {
		r.RecordSuccess(false)
	}
	r.RecordSuccess(true)
	r.RecordApplied()
	for i := range failures {
		r.RecordFailure(batch.FailedUnit{
			Timestamp:    start.Add(time.Duration(i) * time.Second),
			VariantID:    fmt.Sprintf("v%d", i),
			ProductTitle: "Yoga Mat",
			VariantTitle: "Blue",
			Error:        "score stage: no usable price",
		})
	}
	if fatal != "" {
		r.SetFatal(fatal)
	}
	r.Finalize(start.Add(90 * time.Second))
	return r
}

func TestRenderSummary(t *testing.T) {
	out := RenderSummary(finishedReport(2, ""), "/tmp/reports/run-7.json")

	assert.Contains(t, out, "Repricing complete")
	assert.Contains(t, out, "run-7")
	assert.Contains(t, out, "Volume derived")
	assert.Contains(t, out, "Yoga Mat (Blue)")
	assert.Contains(t, out, "reprice resume /tmp/reports/run-7.json")
	assert.NotContains(t, out, "Fatal")
}

func TestRenderSummary_Fatal(t *testing.T) {
	out := RenderSummary(finishedReport(12, "insufficient_quota"), "")

	assert.Contains(t, out, "Repricing halted")
	assert.Contains(t, out, "Fatal provider error: insufficient_quota")
	assert.Contains(t, out, "... and 2 more")
	assert.NotContains(t, out, "reprice resume")
}

func TestProgressReporter(t *testing.T) {
	var buf bytes.Buffer
	reporter := NewProgressReporter(&buf, 10)

	events := make(chan batch.Progress, 3)
	events <- batch.Progress{Processed: 4, Summary: batch.Summary{Total: 10, Completed: 4}}
	events <- batch.Progress{Processed: 8, Summary: batch.Summary{Total: 10, Completed: 7, Failed: 1}}
	events <- batch.Progress{Processed: 10, Done: true, Summary: batch.Summary{Total: 10, Completed: 9, Failed: 1}}
	close(events)

	last := reporter.Consume(events)
	assert.True(t, last.Done)
	assert.Equal(t, int64(10), reporter.shown)
	assert.Contains(t, buf.String(), "1 failed")
}
