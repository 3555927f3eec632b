package apply

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/the-price-must-flow/internal/common"
	"github.com/Veraticus/the-price-must-flow/internal/model"
	"github.com/Veraticus/the-price-must-flow/internal/service"
	"github.com/Veraticus/the-price-must-flow/internal/testutil"
)

type recordingWriter struct {
	err    error
	prices map[string][]float64
	mu     sync.Mutex
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{prices: make(map[string][]float64)}
}

func (w *recordingWriter) SetPrice(_ context.Context, variantID string, price float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.prices[variantID] = append(w.prices[variantID], price)
	return nil
}

func saveResult(t *testing.T, db *testutil.TestDB, runID, variantID string, price float64) *model.AnalysisResult {
	t.Helper()
	r := &model.AnalysisResult{RunID: runID, ProductID: "mat", VariantID: variantID, SuggestedPrice: model.Float(price)}
	require.NoError(t, db.Storage.SaveAnalysisResult(context.Background(), r))
	return r
}

func setup(t *testing.T) (*testutil.TestDB, *recordingWriter, *Applier) {
	t.Helper()
	db := testutil.SetupTestDB(t, testutil.NewCatalog().WithProduct("mat", "Yoga Mat", 35, 40).Build()...)
	writer := newRecordingWriter()
	return db, writer, NewApplier(writer, db.Storage, nil)
}

func TestApply(t *testing.T) {
	db, writer, applier := setup(t)
	ctx := context.Background()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	applier.now = func() time.Time { return fixed }

	result := saveResult(t, db, "run-1", "mat-v1", 38.5)
	out := applier.Apply(ctx, result, db.MustVariant("mat-v1"))

	require.NoError(t, out.Err)
	assert.True(t, out.Written)
	assert.Equal(t, []float64{38.5}, writer.prices["mat-v1"])
	assert.Equal(t, 38.5, db.MustVariant("mat-v1").CurrentPrice)

	assert.True(t, result.Applied)
	assert.Equal(t, fixed, *result.AppliedAt)
	assert.Equal(t, 35.0, *result.PreviousPrice)

	stored := db.MustLatest("mat-v1")
	assert.True(t, stored.Applied)
	assert.Equal(t, 35.0, *stored.PreviousPrice)
}

func TestApply_ExternalFailureStopsEverything(t *testing.T) {
	db, writer, applier := setup(t)
	writer.err = &common.StatusError{Provider: "shopify", StatusCode: 500, Body: "boom"}

	result := saveResult(t, db, "run-1", "mat-v1", 38.5)
	out := applier.Apply(context.Background(), result, db.MustVariant("mat-v1"))

	require.Error(t, out.Err)
	assert.ErrorIs(t, out.Err, common.ErrPriceWriteFailed)
	assert.False(t, out.Written)
	assert.False(t, result.Applied)
	assert.True(t, result.Succeeded(), "analysis success is independent of apply success")
	assert.Equal(t, 35.0, db.MustVariant("mat-v1").CurrentPrice, "local mirror untouched")

	stored := db.MustLatest("mat-v1")
	assert.False(t, stored.Applied)
	assert.Contains(t, stored.ApplyError, "status 500")
}

func TestApply_LocalFailuresAreJoined(t *testing.T) {
	_, writer, applier := setup(t)

	// A variant missing from the mirror and a result row that no longer exists.
	result := &model.AnalysisResult{ID: 424242, ProductID: "mat", VariantID: "ghost", SuggestedPrice: model.Float(12)}
	out := applier.Apply(context.Background(), result, model.Variant{ID: "ghost", CurrentPrice: 10})

	assert.True(t, out.Written)
	assert.Equal(t, []float64{12}, writer.prices["ghost"])
	require.Error(t, out.Err)
	assert.ErrorIs(t, out.Err, common.ErrNotFound)
	assert.Contains(t, out.Err.Error(), "mirror price locally")
	assert.Contains(t, out.Err.Error(), "mark result applied")
	assert.True(t, result.Applied)
	assert.NotEmpty(t, result.ApplyError)
}

func TestApply_Refusals(t *testing.T) {
	tests := []struct {
		name    string
		result  *model.AnalysisResult
		wantErr error
	}{
		{name: "nil result", result: nil, wantErr: ErrNothingToApply},
		{
			name:    "failed analysis",
			result:  &model.AnalysisResult{ID: 7, VariantID: "mat-v1", Error: "score stage: boom"},
			wantErr: ErrNothingToApply,
		},
		{
			name:    "result never persisted",
			result:  &model.AnalysisResult{VariantID: "mat-v1", SuggestedPrice: model.Float(38)},
			wantErr: ErrNotPersisted,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, writer, applier := setup(t)
			out := applier.Apply(context.Background(), tt.result, db.MustVariant("mat-v1"))
			assert.ErrorIs(t, out.Err, tt.wantErr)
			assert.False(t, out.Written)
			assert.Empty(t, writer.prices)
			assert.Equal(t, 35.0, db.MustVariant("mat-v1").CurrentPrice)
		})
	}
}

func TestApply_SupersedesEarlierRuns(t *testing.T) {
	db, writer, applier := setup(t)
	ctx := context.Background()

	first := saveResult(t, db, "run-1", "mat-v1", 38)
	require.NoError(t, applier.Apply(ctx, first, db.MustVariant("mat-v1")).Err)
	second := saveResult(t, db, "run-2", "mat-v1", 42)
	require.NoError(t, applier.Apply(ctx, second, db.MustVariant("mat-v1")).Err)

	applied, err := db.Storage.ListResults(ctx, service.ResultFilter{VariantID: "mat-v1", AppliedOnly: true})
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, second.ID, applied[0].ID)

	out := applier.Revert(ctx, "mat-v1")
	require.NoError(t, out.Err)
	assert.True(t, out.Written)
	assert.Equal(t, 38.0, db.MustVariant("mat-v1").CurrentPrice)

	again := applier.Revert(ctx, "mat-v1")
	require.NoError(t, again.Err)
	assert.False(t, again.Written, "nothing is left to revert")
	assert.Equal(t, 38.0, db.MustVariant("mat-v1").CurrentPrice)
	assert.Equal(t, []float64{38, 42, 38}, writer.prices["mat-v1"])

	outcomes, err := applier.RevertRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, outcomes, "run-1 was superseded by run-2")
	assert.Equal(t, 38.0, db.MustVariant("mat-v1").CurrentPrice)
}

func TestRevert(t *testing.T) {
	db, writer, applier := setup(t)
	ctx := context.Background()

	result := saveResult(t, db, "run-1", "mat-v1", 38.5)
	require.NoError(t, applier.Apply(ctx, result, db.MustVariant("mat-v1")).Err)

	out := applier.Revert(ctx, "mat-v1")
	require.NoError(t, out.Err)
	assert.True(t, out.Written)
	assert.Equal(t, 35.0, out.Price)
	assert.Equal(t, []float64{38.5, 35}, writer.prices["mat-v1"])
	assert.Equal(t, 35.0, db.MustVariant("mat-v1").CurrentPrice)
	assert.False(t, db.MustLatest("mat-v1").Applied)

	again := applier.Revert(ctx, "mat-v1")
	require.NoError(t, again.Err)
	assert.False(t, again.Written, "second revert is a no-op")
	assert.Len(t, writer.prices["mat-v1"], 2)
}

func TestRevert_Failures(t *testing.T) {
	t.Run("no previous price", func(t *testing.T) {
		db, _, applier := setup(t)
		ctx := context.Background()
		result := saveResult(t, db, "run-1", "mat-v1", 38.5)
		require.NoError(t, db.Storage.MarkApplied(ctx, result.ID, time.Now(), nil))

		out := applier.Revert(ctx, "mat-v1")
		assert.ErrorIs(t, out.Err, ErrNoPreviousPrice)
	})

	t.Run("external failure keeps the applied flag", func(t *testing.T) {
		db, writer, applier := setup(t)
		ctx := context.Background()
		result := saveResult(t, db, "run-1", "mat-v1", 38.5)
		require.NoError(t, applier.Apply(ctx, result, db.MustVariant("mat-v1")).Err)

		writer.err = errors.New("connection refused")
		out := applier.Revert(ctx, "mat-v1")
		assert.ErrorIs(t, out.Err, common.ErrPriceWriteFailed)
		assert.True(t, db.MustLatest("mat-v1").Applied)
		assert.Equal(t, 38.5, db.MustVariant("mat-v1").CurrentPrice)
	})
}

func TestRevertRun(t *testing.T) {
	db, _, applier := setup(t)
	ctx := context.Background()

	first := saveResult(t, db, "run-1", "mat-v1", 38.5)
	require.NoError(t, applier.Apply(ctx, first, db.MustVariant("mat-v1")).Err)
	other := saveResult(t, db, "run-1", "mat-v2", 44)
	require.NoError(t, applier.Apply(ctx, other, db.MustVariant("mat-v2")).Err)

	// A later run re-prices mat-v2; reverting run-1 must leave it alone.
	later := saveResult(t, db, "run-2", "mat-v2", 46)
	require.NoError(t, applier.Apply(ctx, later, db.MustVariant("mat-v2")).Err)

	outcomes, err := applier.RevertRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.NoError(t, outcomes["mat-v1"].Err)

	assert.Equal(t, 35.0, db.MustVariant("mat-v1").CurrentPrice)
	assert.Equal(t, 46.0, db.MustVariant("mat-v2").CurrentPrice)
}
