package batch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReport_ConcurrentRecording(t *testing.T) {
	r := NewReport("run-1", 200, time.Now())

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.RecordSuccess(i%2 == 0)
		}()
		go func() {
			defer wg.Done()
			r.RecordFailure(FailedUnit{VariantID: "v", Error: "boom"})
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(200), r.Processed())
	s := r.Snapshot()
	assert.Equal(t, int64(100), s.Completed)
	assert.Equal(t, int64(50), s.VolumeDerived)
	assert.Equal(t, int64(100), s.Failed)
	assert.Len(t, r.FailedUnits, 100)
}

func TestReport_FatalKeepsFirst(t *testing.T) {
	r := NewReport("run-1", 1, time.Now())
	r.SetFatal("insufficient_quota")
	r.SetFatal("invalid api key")
	assert.Equal(t, "insufficient_quota", r.Snapshot().FatalError)
	assert.True(t, r.Snapshot().Fatal)
}

func TestReport_WriteAndLoad(t *testing.T) {
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r := NewReport("run-42", 5, started)
	r.RecordSuccess(false)
	r.RecordSuccess(true)
	r.RecordApplied()
	r.RecordFailure(FailedUnit{
		Timestamp: started.Add(2 * time.Minute), ProductID: "p2", VariantID: "v2",
		ProductTitle: "Yoga Mat", VariantTitle: "Blue", Error: "score stage: no price",
	})
	r.RecordFailure(FailedUnit{Timestamp: started.Add(time.Minute), ProductID: "p1", VariantID: "v1", Error: "timeout"})
	r.RecordApplyFailure(FailedUnit{Timestamp: started.Add(3 * time.Minute), ProductID: "p2", VariantID: "v2", Error: "status 500"})
	r.RecordSkipped(1)
	r.Finalize(started.Add(30 * time.Minute))
	r.Finalize(started.Add(time.Hour))

	assert.Equal(t, 30.0, r.Summary.ElapsedMinutes)
	assert.Equal(t, []string{"v1", "v2", "v2"}, r.FailedUnitIDs)
	assert.Equal(t, []string{"v1", "v2"}, r.FailedVariantIDs())

	path := filepath.Join(t.TempDir(), "reports", "run-42.json")
	require.NoError(t, r.Write(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	for _, key := range []string{`"runId": "run-42"`, `"volumeDerived": 1`, `"failedUnitIds"`, `"elapsedMinutes": 30`} {
		assert.Contains(t, string(raw), key)
	}

	loaded, err := LoadReport(path)
	require.NoError(t, err)
	assert.Equal(t, "run-42", loaded.RunID)
	assert.Equal(t, r.Summary, loaded.Summary)
	assert.Equal(t, []string{"v1", "v2"}, loaded.FailedVariantIDs())
	assert.Equal(t, "Yoga Mat", loaded.FailedUnits[1].ProductTitle)
}

func TestLoadReport_Errors(t *testing.T) {
	_, err := LoadReport(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0600))
	_, err = LoadReport(bad)
	assert.Error(t, err)
}
