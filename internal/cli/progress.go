package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/schollz/progressbar/v3"

	"github.com/Veraticus/the-price-must-flow/internal/batch"
)

// ProgressReporter draws a progress bar from batch progress snapshots.
type ProgressReporter struct {
	bar    *progressbar.ProgressBar
	writer io.Writer
	last   batch.Progress
	shown  int64
}

// NewProgressReporter creates a reporter for a run over total variants.
func NewProgressReporter(w io.Writer, total int) *ProgressReporter {
	r := &ProgressReporter{writer: w}
	r.bar = progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription("[cyan][bold]Repricing variants...[reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			if _, err := fmt.Fprintln(w); err != nil {
				slog.Warn("Failed to write newline after progress bar", "error", err)
			}
		}),
	)
	return r
}

// Consume reads snapshots until events is closed and returns the last one.
func (r *ProgressReporter) Consume(events <-chan batch.Progress) batch.Progress {
	for p := range events {
		r.Update(p)
	}
	if err := r.bar.Finish(); err != nil {
		slog.Warn("Failed to finish progress bar", "error", err)
	}
	return r.last
}

// Update moves the bar to the snapshot.
func (r *ProgressReporter) Update(p batch.Progress) {
	r.last = p
	processed := p.Summary.Completed + p.Summary.Failed
	if processed > r.shown {
		if err := r.bar.Set64(processed); err != nil {
			slog.Warn("Failed to update progress bar", "error", err)
		}
		r.shown = processed
	}
	if p.Summary.Failed > 0 {
		r.bar.Describe(fmt.Sprintf("[cyan][bold]Repricing variants...[reset] [red]%d failed[reset]", p.Summary.Failed))
	}
}
