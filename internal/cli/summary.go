package cli

import (
	"fmt"
	"strings"

	"github.com/Veraticus/the-price-must-flow/internal/batch"
)

// maxListedFailures bounds the failures printed under the summary box.
const maxListedFailures = 10

// RenderSummary renders the end-of-run box for a finalized report.
func RenderSummary(r *batch.Report, reportPath string) string {
	s := r.Summary
	rows := []string{
		Row("Run", r.RunID),
		Row("Variants", fmt.Sprintf("%d", s.Total)),
		Row("Priced", SuccessStyle.Render(fmt.Sprintf("%d", s.Completed))),
		Row("Volume derived", fmt.Sprintf("%d", s.VolumeDerived)),
		Row("Applied", fmt.Sprintf("%d", s.Applied)),
	}
	if s.Failed > 0 {
		rows = append(rows, Row("Failed", ErrorStyle.Render(fmt.Sprintf("%d", s.Failed))))
	}
	if s.ApplyFailed > 0 {
		rows = append(rows, Row("Apply failed", ErrorStyle.Render(fmt.Sprintf("%d", s.ApplyFailed))))
	}
	if s.Skipped > 0 {
		rows = append(rows, Row("Not started", WarningStyle.Render(fmt.Sprintf("%d", s.Skipped))))
	}
	rows = append(rows, Row("Elapsed", fmt.Sprintf("%.1f min", s.ElapsedMinutes)))
	if reportPath != "" {
		rows = append(rows, Row("Report", SubtleStyle.Render(reportPath)))
	}

	title := ChartIcon + " Repricing complete"
	if s.Fatal {
		title = ErrorIcon + " Repricing halted"
	}

	var b strings.Builder
	b.WriteString(RenderBox(title, strings.Join(rows, "\n")))
	b.WriteString("\n")

	if s.Fatal {
		b.WriteString(FormatError("Fatal provider error: "+s.FatalError) + "\n")
	}
	for i, u := range r.FailedUnits {
		if i == maxListedFailures {
			b.WriteString(SubtleStyle.Render(fmt.Sprintf("  ... and %d more", len(r.FailedUnits)-maxListedFailures)) + "\n")
			break
		}
		name := u.ProductTitle
		if u.VariantTitle != "" && u.VariantTitle != "Default Title" {
			name += " (" + u.VariantTitle + ")"
		}
		fmt.Fprintf(&b, "  %s %s %s\n", ErrorStyle.Render(ErrorIcon), BoldStyle.Render(name), SubtleStyle.Render(u.Error))
	}
	if len(r.FailedUnits) > 0 && reportPath != "" {
		b.WriteString(FormatInfo("Retry failures with: reprice resume "+reportPath) + "\n")
	}
	return b.String()
}
