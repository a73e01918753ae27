// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// Package report consolidates the task results of a run into a single
// report document: an aggregate verdict, a per-stage and per-cell
// breakdown, and pipeline-wide test totals parsed from the structured
// result documents test stages emit.
//
// Aggregation is where result documents are interpreted. The scheduler
// captures them verbatim; this package parses the pass/fail/error
// counts and downgrades a succeeded cell to unparseable when its
// document is malformed — a test stage whose results cannot be read
// must not report green.
package report

import (
	"fmt"
	"sort"
	"time"

	"github.com/conveyor-ci/conveyor/lib/schema"
)

// Input is everything aggregation needs from a finished run.
type Input struct {
	// Pipeline is the validated definition the run executed.
	Pipeline *schema.PipelineContent

	// RunContext identifies the run and its trigger.
	RunContext schema.RunContext

	// Results are the terminal task results, one per task.
	Results []schema.TaskResult

	// StartedAt and Duration bound the run.
	StartedAt time.Time
	Duration  time.Duration
}

// Aggregate folds task results into a ReportContent. The verdict is
// recomputed here rather than trusted from the scheduler: a cell whose
// result document fails to parse becomes unparseable, which is a
// failure even when its exit status was zero.
func Aggregate(input Input) *schema.ReportContent {
	report := &schema.ReportContent{
		Version:     schema.ReportContentVersion,
		Pipeline:    input.Pipeline.Name,
		RunID:       input.RunContext.RunID,
		Trigger:     input.RunContext.Trigger,
		StartedAt:   input.StartedAt.UTC().Format(time.RFC3339),
		CompletedAt: input.StartedAt.Add(input.Duration).UTC().Format(time.RFC3339),
		DurationMS:  input.Duration.Milliseconds(),
	}

	byStage := make(map[string][]schema.TaskResult)
	for _, result := range input.Results {
		byStage[result.Stage] = append(byStage[result.Stage], result)
	}

	stageNames := make([]string, 0, len(input.Pipeline.Stages))
	for _, stage := range input.Pipeline.Stages {
		stageNames = append(stageNames, stage.Name)
	}
	sort.Strings(stageNames)

	for _, name := range stageNames {
		stageResults := byStage[name]
		sort.Slice(stageResults, func(i, j int) bool { return stageResults[i].Cell < stageResults[j].Cell })

		stageReport := schema.StageReport{Name: name}
		for _, taskResult := range stageResults {
			cell := schema.CellReport{
				Cell:       taskResult.Cell,
				Status:     taskResult.Status,
				DurationMS: taskResult.DurationMS,
				Error:      taskResult.Error,
				Artifacts:  taskResult.Artifacts,
			}

			if taskResult.Status == schema.StatusSuccess && len(taskResult.Results) > 0 {
				totals, err := schema.ParseTestTotals(taskResult.Results)
				if err != nil {
					cell.Status = schema.StatusUnparseable
					cell.Error = fmt.Sprintf("parsing result document: %v", err)
				} else {
					cell.Tests = &totals
					report.Tests.Add(totals)
				}
			}

			stageReport.Cells = append(stageReport.Cells, cell)
		}
		stageReport.Status = rollup(stageReport.Cells)
		report.Stages = append(report.Stages, stageReport)
	}

	report.Verdict = verdictOf(report.Stages)
	return report
}

// Aborted builds the report for a run a configuration error stopped
// before any task executed. The reporting contract still holds: every
// stage of the pipeline appears, all skipped, with the verdict forced
// to failure — an invalid definition never reports a successful run.
func Aborted(input Input) *schema.ReportContent {
	input.Results = nil
	report := Aggregate(input)
	report.Verdict = schema.VerdictFailure
	return report
}

// rollup folds cell statuses into a stage status: failed dominates,
// then cancelled, then all-skipped, then success.
func rollup(cells []schema.CellReport) schema.TaskStatus {
	if len(cells) == 0 {
		return schema.StatusSkipped
	}
	cancelled := false
	allSkipped := true
	for _, cell := range cells {
		switch cell.Status {
		case schema.StatusFailed, schema.StatusUnparseable:
			return schema.StatusFailed
		case schema.StatusCancelled:
			cancelled = true
			allSkipped = false
		case schema.StatusSkipped:
		default:
			allSkipped = false
		}
	}
	if cancelled {
		return schema.StatusCancelled
	}
	if allSkipped {
		return schema.StatusSkipped
	}
	return schema.StatusSuccess
}

// verdictOf folds stage rollups into the run verdict.
func verdictOf(stages []schema.StageReport) schema.RunVerdict {
	cancelled := false
	for _, stage := range stages {
		switch stage.Status {
		case schema.StatusFailed:
			return schema.VerdictFailure
		case schema.StatusCancelled:
			cancelled = true
		}
	}
	if cancelled {
		return schema.VerdictCancelled
	}
	return schema.VerdictSuccess
}
