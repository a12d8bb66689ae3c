package batch

import (
	"fmt"
	"strings"
	"time"
)

// renderReport produces the markdown summary written to the output
// directory after every batch.
func renderReport(sum *Summary, started time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Batch Summary\n\n")
	fmt.Fprintf(&b, "- **Batch ID:** %s\n", sum.BatchID)
	fmt.Fprintf(&b, "- **Started:** %s\n", started.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Tasks:** %d (%d completed, %d failed, %d cancelled)\n",
		len(sum.Results), sum.SuccessCount, sum.FailureCount, sum.CancelledCount)
	fmt.Fprintf(&b, "- **Total duration:** %s\n", fmtDuration(sum.TotalDuration))
	fmt.Fprintf(&b, "- **Sequential duration:** %s\n", fmtDuration(sum.SequentialDuration))
	fmt.Fprintf(&b, "- **Time saved:** %s\n", fmtDuration(sum.TimeSaved))
	fmt.Fprintf(&b, "- **Files changed:** %d\n", sum.TotalFilesChanged)
	fmt.Fprintf(&b, "- **Estimated cost:** $%.2f\n\n", sum.TotalCost)

	fmt.Fprintf(&b, "| Task | Description | Status | Duration | Files | Cost | Error |\n")
	fmt.Fprintf(&b, "|------|-------------|--------|----------|-------|------|-------|\n")
	for _, r := range sum.Results {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %d | $%.2f | %s |\n",
			r.TaskID,
			cell(r.Description),
			r.Status,
			fmtDuration(r.Duration),
			r.FilesChanged,
			r.CostEstimate,
			cell(r.Error))
	}

	var prs []string
	for _, r := range sum.Results {
		if r.PullRequest != "" {
			prs = append(prs, fmt.Sprintf("- %s: %s", r.TaskID, r.PullRequest))
		}
	}
	if len(prs) > 0 {
		fmt.Fprintf(&b, "\n## Pull Requests\n\n%s\n", strings.Join(prs, "\n"))
	}

	return b.String()
}

// cell makes a string safe inside a markdown table row.
func cell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "|", "\\|")
	if len(s) > 120 {
		s = s[:117] + "..."
	}
	return s
}

func fmtDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(100 * time.Millisecond).String()
}
