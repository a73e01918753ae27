// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/conveyor-ci/conveyor/lib/schema"
)

// statusSymbols give each status a scannable marker in rendered
// reports.
var statusSymbols = map[schema.TaskStatus]string{
	schema.StatusSuccess:     "✓",
	schema.StatusFailed:      "✗",
	schema.StatusSkipped:     "–",
	schema.StatusCancelled:   "⊘",
	schema.StatusUnparseable: "?",
}

// Markdown renders the report as GitHub-flavored markdown: a verdict
// headline, a per-cell table, and the pipeline-wide test totals. This
// is the form posted to check runs and pull-request comments.
func Markdown(report *schema.ReportContent) string {
	var builder strings.Builder

	fmt.Fprintf(&builder, "# %s — %s\n\n", report.Pipeline, report.Verdict)
	fmt.Fprintf(&builder, "%s to `%s`", report.Trigger.Kind, report.Trigger.Ref)
	if report.Trigger.Actor != "" {
		fmt.Fprintf(&builder, " by %s", report.Trigger.Actor)
	}
	fmt.Fprintf(&builder, " — run `%s`, %s.\n\n", report.RunID,
		formatDuration(report.DurationMS))

	builder.WriteString("| Stage | Cell | Status | Duration | Tests |\n")
	builder.WriteString("|---|---|---|---|---|\n")
	for _, stage := range report.Stages {
		// A stage with no cells never had tasks scheduled (the run was
		// aborted before execution); its rollup status still gets a
		// row.
		if len(stage.Cells) == 0 {
			fmt.Fprintf(&builder, "| %s | | %s %s | | |\n",
				stage.Name, statusSymbols[stage.Status], stage.Status)
			continue
		}
		for _, cell := range stage.Cells {
			tests := ""
			if cell.Tests != nil {
				tests = fmt.Sprintf("%d passed, %d failed, %d errors",
					cell.Tests.Passed, cell.Tests.Failed, cell.Tests.Errors)
			}
			status := fmt.Sprintf("%s %s", statusSymbols[cell.Status], cell.Status)
			if cell.Error != "" {
				status += " — " + cell.Error
			}
			fmt.Fprintf(&builder, "| %s | %s | %s | %s | %s |\n",
				stage.Name, cell.Cell, status, formatDuration(cell.DurationMS), tests)
		}
	}

	if report.Tests != (schema.TestTotals{}) {
		fmt.Fprintf(&builder, "\n**Tests:** %d passed, %d failed, %d errors.\n",
			report.Tests.Passed, report.Tests.Failed, report.Tests.Errors)
	}

	return builder.String()
}

// htmlRenderer is configured once: GFM extensions for the result
// table.
var htmlRenderer = goldmark.New(goldmark.WithExtensions(extension.GFM))

// HTML renders the report as an HTML fragment, for sinks that embed
// reports in web views rather than markdown-native surfaces.
func HTML(report *schema.ReportContent) (string, error) {
	var builder strings.Builder
	if err := htmlRenderer.Convert([]byte(Markdown(report)), &builder); err != nil {
		return "", fmt.Errorf("rendering report HTML: %w", err)
	}
	return builder.String(), nil
}

// formatDuration renders a millisecond count compactly: "850ms",
// "12.5s", "3m20s".
func formatDuration(milliseconds int64) string {
	if milliseconds == 0 {
		return ""
	}
	duration := time.Duration(milliseconds) * time.Millisecond
	if duration < time.Second {
		return fmt.Sprintf("%dms", milliseconds)
	}
	if duration < time.Minute {
		return fmt.Sprintf("%.1fs", duration.Seconds())
	}
	return duration.Round(time.Second).String()
}
