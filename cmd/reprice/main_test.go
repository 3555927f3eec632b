package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/the-price-must-flow/internal/apply"
	"github.com/Veraticus/the-price-must-flow/internal/batch"
	"github.com/Veraticus/the-price-must-flow/internal/cli"
	"github.com/Veraticus/the-price-must-flow/internal/common"
	"github.com/Veraticus/the-price-must-flow/internal/config"
	"github.com/Veraticus/the-price-must-flow/internal/metrics"
	"github.com/Veraticus/the-price-must-flow/internal/model"
	"github.com/Veraticus/the-price-must-flow/internal/pipeline"
	"github.com/Veraticus/the-price-must-flow/internal/storage"
	"github.com/Veraticus/the-price-must-flow/internal/testutil"
)

// execRoot runs the root command with args against an isolated HOME.
func execRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	cfgFile = ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeReport(t *testing.T, failedVariants ...string) string {
	t.Helper()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r := batch.NewReport("run-1", len(failedVariants)+2, start)
	r.RecordSuccess(false)
	r.RecordSuccess(true)
	for i, id := range failedVariants {
		r.RecordFailure(batch.FailedUnit{
			Timestamp: start.Add(time.Duration(i) * time.Second),
			ProductID: "p1",
			VariantID: id,
			Error:     "score stage: no usable price",
		})
	}
	r.Finalize(start.Add(time.Minute))

	path := filepath.Join(t.TempDir(), "run-1.json")
	require.NoError(t, r.Write(path))
	return path
}

func TestRunFlags_Validate(t *testing.T) {
	tests := []struct {
		name    string
		flags   runFlags
		wantErr string
	}{
		{name: "defaults", flags: runFlags{}},
		{name: "apply", flags: runFlags{apply: true, localOnly: true}},
		{name: "known status", flags: runFlags{status: "draft"}},
		{name: "dry run with apply", flags: runFlags{dryRun: true, apply: true}, wantErr: "cannot be combined"},
		{name: "local only without apply", flags: runFlags{localOnly: true}, wantErr: "requires --apply"},
		{name: "unknown status", flags: runFlags{status: "deleted"}, wantErr: `unknown product status "deleted"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.flags.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			var userErr *common.UserError
			assert.True(t, errors.As(err, &userErr))
		})
	}
}

func TestRunFlags_Filter(t *testing.T) {
	t.Run("plain run", func(t *testing.T) {
		f, err := runFlags{vendor: "Acme", status: "active", limit: 5}.filter()
		require.NoError(t, err)
		assert.Equal(t, "Acme", f.Vendor)
		assert.Equal(t, 5, f.Limit)
		assert.Empty(t, f.VariantIDs)
	})

	t.Run("resume selects failed variants", func(t *testing.T) {
		path := writeReport(t, "v2", "v9", "v2")
		f, err := runFlags{resumeFrom: path}.filter()
		require.NoError(t, err)
		assert.Equal(t, []string{"v2", "v9"}, f.VariantIDs)
	})

	t.Run("missing report", func(t *testing.T) {
		_, err := runFlags{resumeFrom: filepath.Join(t.TempDir(), "nope.json")}.filter()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot resume")
	})
}

func TestExitStatus(t *testing.T) {
	tests := []struct {
		name         string
		summary      batch.Summary
		failOnErrors bool
		interrupted  bool
		wantCode     int
		wantErr      error
	}{
		{name: "clean", summary: batch.Summary{Total: 3, Completed: 3}},
		{name: "failures tolerated", summary: batch.Summary{Total: 3, Completed: 2, Failed: 1}},
		{name: "failures rejected", summary: batch.Summary{Total: 3, Completed: 2, Failed: 1}, failOnErrors: true, wantCode: 1},
		{name: "apply failures rejected", summary: batch.Summary{Total: 3, Completed: 3, ApplyFailed: 1}, failOnErrors: true, wantCode: 1},
		{
			name:     "fatal",
			summary:  batch.Summary{Total: 3, Fatal: true, FatalError: "insufficient_quota"},
			wantCode: 1,
			wantErr:  common.ErrFatal,
		},
		{name: "interrupted", summary: batch.Summary{Total: 3, Skipped: 2}, interrupted: true, wantCode: 130},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := exitStatus(&batch.Report{Summary: tt.summary}, tt.failOnErrors, tt.interrupted)
			if tt.wantCode == 0 {
				assert.NoError(t, err)
				return
			}
			var exit *exitError
			require.True(t, errors.As(err, &exit))
			assert.Equal(t, tt.wantCode, exit.code)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Contains(t, errors.Unwrap(err).Error(), tt.summary.FatalError)
			}
		})
	}
}

func TestPrintReverts(t *testing.T) {
	previous := 24.99
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	err := printReverts(cmd, map[string]apply.Outcome{
		"v1": {Price: 19.99, Previous: &previous, Written: true},
		"v2": {},
		"v3": {Err: fmt.Errorf("%w: status 500", common.ErrPriceWriteFailed)},
		"v4": {Price: 9.5, Written: true, Err: errors.New("clear applied flag: locked")},
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 4 reverts failed")
	text := out.String()
	assert.Contains(t, text, "v1: restored to $19.99")
	assert.Contains(t, text, "v2: nothing applied")
	assert.Contains(t, text, "v3: price write failed")
	assert.Contains(t, text, "v4: restored to $9.50 but clear applied flag")
}

func TestPrintReverts_Empty(t *testing.T) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	require.NoError(t, printReverts(cmd, nil))
	assert.Contains(t, out.String(), "Nothing to revert")
}

func TestMigrateCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reprice.db")

	out, err := execRoot(t, "migrate", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, fmt.Sprintf("schema version %d", storage.ExpectedSchemaVersion))

	store, err := storage.NewSQLiteStorage(dbPath)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	version, err := store.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, storage.ExpectedSchemaVersion, version)
}

func TestResumeCommand_NothingToResume(t *testing.T) {
	path := writeReport(t)
	dbPath := filepath.Join(t.TempDir(), "reprice.db")

	out, err := execRoot(t, "resume", path, "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Nothing to resume")
}

func TestRevertCommand_NeedsOneTarget(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reprice.db")

	_, err := execRoot(t, "revert", "--db", dbPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one of --variant or --run")
}

func TestVersionCommand(t *testing.T) {
	out, err := execRoot(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "reprice dev")
}

// fixedAnalyzer prices every variant at the same price.
type fixedAnalyzer float64

func (f fixedAnalyzer) Analyze(_ context.Context, item pipeline.Item, _ pipeline.Options) model.AnalysisResult {
	return model.AnalysisResult{
		ProductID:      item.Product.ID,
		VariantID:      item.Variant.ID,
		PricingMethod:  model.PricingMethodAI,
		Confidence:     model.ConfidenceMedium,
		SuggestedPrice: model.Float(float64(f)),
	}
}

func TestExecute_MetricsFailureDoesNotStopBatch(t *testing.T) {
	db := testutil.SetupTestDB(t, testutil.NewCatalog().
		WithProduct("mat", "Yoga Mat", 35, 40).
		WithProduct("roller", "Foam Roller", 20).
		Build()...)
	a := &app{
		cfg:     &config.Config{Metrics: config.MetricsConfig{Addr: "127.0.0.1:-1"}},
		metrics: metrics.New(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	controller, err := batch.NewController(batch.Deps{Store: db.Storage, Analyzer: fixedAnalyzer(30)})
	require.NoError(t, err)

	report, err := execute(context.Background(), a, controller,
		cli.NewProgressReporter(io.Discard, 3), make(chan pipeline.Event), batch.Options{})
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, int64(3), report.Summary.Completed)
	assert.Zero(t, report.Summary.Skipped)
	assert.True(t, db.MustLatest("roller-v1").Succeeded())
}
