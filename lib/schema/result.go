// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "encoding/json"

// TaskStatus is the terminal (or in-flight) state of one task. The
// report lists a terminal status for every task of every stage, even
// when the run is aborted early.
type TaskStatus string

const (
	// StatusPending means the task has not been dispatched yet.
	StatusPending TaskStatus = "pending"

	// StatusRunning means the task's action is executing.
	StatusRunning TaskStatus = "running"

	// StatusSuccess means the action completed with exit status 0.
	StatusSuccess TaskStatus = "success"

	// StatusFailed means the action returned a non-zero exit status,
	// its gate was malformed, or artifact publication conflicted.
	StatusFailed TaskStatus = "failed"

	// StatusSkipped means the task never ran: its gate evaluated
	// false, or an upstream dependency did not succeed.
	StatusSkipped TaskStatus = "skipped"

	// StatusCancelled means the run was superseded or the task's
	// deadline expired before (or while) it ran. Not a failure for
	// reporting purposes.
	StatusCancelled TaskStatus = "cancelled"

	// StatusUnparseable is assigned by the aggregator when a task
	// succeeded but its structured result document is malformed. It
	// contributes a failure to the overall verdict.
	StatusUnparseable TaskStatus = "unparseable"
)

// Terminal reports whether the status is an end state.
func (status TaskStatus) Terminal() bool {
	switch status {
	case StatusSuccess, StatusFailed, StatusSkipped, StatusCancelled, StatusUnparseable:
		return true
	}
	return false
}

// TaskResult is the recorded outcome of one task (stage × matrix
// cell). Produced by the scheduler, consumed by the aggregator.
type TaskResult struct {
	// Stage is the producing stage name.
	Stage string `json:"stage"`

	// Cell is the matrix cell key ("" for stages without a matrix).
	Cell string `json:"cell,omitempty"`

	// Status is the terminal state of the task.
	Status TaskStatus `json:"status"`

	// ExitStatus is the action's exit status. Meaningful only for
	// tasks that actually executed.
	ExitStatus int `json:"exit_status,omitempty"`

	// DurationMS is the execution time in milliseconds. Zero for
	// tasks that never started.
	DurationMS int64 `json:"duration_ms,omitempty"`

	// Error is the failure or cancellation detail, empty on success.
	Error string `json:"error,omitempty"`

	// Results is the raw structured test-result document captured
	// from the action, when the stage declares one. The scheduler
	// does not interpret it; parsing happens in the aggregator.
	Results json.RawMessage `json:"results,omitempty"`

	// Artifacts lists the refs of artifacts the task published,
	// keyed by output name.
	Artifacts map[string]string `json:"artifacts,omitempty"`
}

// RunVerdict is the aggregate outcome of a run.
type RunVerdict string

const (
	// VerdictSuccess means every non-skipped, non-cancelled task
	// succeeded and all result documents parsed.
	VerdictSuccess RunVerdict = "success"

	// VerdictFailure means at least one task failed or produced an
	// unparseable result document, or the run was aborted by a
	// configuration error before anything executed.
	VerdictFailure RunVerdict = "failure"

	// VerdictCancelled means the run was superseded (or timed out)
	// before reaching a failure. Distinguished from failure in the
	// runner's exit status.
	VerdictCancelled RunVerdict = "cancelled"
)

// ReportContentVersion is the current schema version for
// ReportContent documents. Increment when adding fields that existing
// consumers must not silently drop during read-modify-write.
const ReportContentVersion = 1

// ReportContent is the consolidated run report: the verdict plus a
// per-stage, per-cell breakdown with test-result totals. The core
// produces this value; transport to a publishing sink (check-run API,
// comment API) is the caller's concern.
type ReportContent struct {
	// Version is the schema version (ReportContentVersion).
	Version int `json:"version"`

	// Pipeline is the pipeline name.
	Pipeline string `json:"pipeline"`

	// RunID correlates the report with a coordinator run record.
	RunID string `json:"run_id"`

	// Trigger is the event the run executed against.
	Trigger Trigger `json:"trigger"`

	// Verdict is the aggregate outcome.
	Verdict RunVerdict `json:"verdict"`

	// StartedAt and CompletedAt bound the run (RFC 3339 UTC).
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at"`

	// DurationMS is the total wall-clock run time in milliseconds.
	DurationMS int64 `json:"duration_ms"`

	// Stages is the per-stage breakdown, ordered by stage name. Every
	// stage of the pipeline appears exactly once, including stages
	// that never ran.
	Stages []StageReport `json:"stages"`

	// Tests is the pipeline-wide sum of test-result counts across
	// all parseable result documents.
	Tests TestTotals `json:"tests"`
}

// StageReport is the rollup for one stage: the worst cell status plus
// per-cell detail.
type StageReport struct {
	// Name is the stage name.
	Name string `json:"name"`

	// Status is the stage rollup: failed if any cell failed or was
	// unparseable, else cancelled if any cell was cancelled, else
	// skipped if all cells were skipped, else success.
	Status TaskStatus `json:"status"`

	// Cells is the per-cell detail, ordered by cell key.
	Cells []CellReport `json:"cells"`
}

// CellReport is the outcome of one matrix cell of a stage.
type CellReport struct {
	// Cell is the matrix cell key ("" for stages without a matrix).
	Cell string `json:"cell,omitempty"`

	// Status is the cell's terminal state, after aggregation (a
	// succeeded task with a malformed result document reports
	// unparseable here).
	Status TaskStatus `json:"status"`

	// DurationMS is the cell's execution time in milliseconds.
	DurationMS int64 `json:"duration_ms,omitempty"`

	// Error carries failure, cancellation, or parse-error detail.
	Error string `json:"error,omitempty"`

	// Tests holds the cell's parsed test-result counts, when the
	// stage declared a result document and it parsed.
	Tests *TestTotals `json:"tests,omitempty"`

	// Artifacts lists published artifact refs keyed by output name.
	Artifacts map[string]string `json:"artifacts,omitempty"`
}

// TestTotals are the only fields Conveyor interprets from structured
// test-result documents: pass/fail/error counts. Everything else in a
// result document is preserved verbatim in TaskResult.Results but not
// inspected.
type TestTotals struct {
	Passed int `json:"passed"`
	Failed int `json:"failed"`
	Errors int `json:"errors"`
}

// ParseTestTotals decodes the interpreted subset of a structured
// result document. Unknown fields are ignored. Both the report
// aggregator and the scheduler's promotion check use this, so they
// agree on what counts as a well-formed document.
func ParseTestTotals(data []byte) (TestTotals, error) {
	var totals TestTotals
	if err := json.Unmarshal(data, &totals); err != nil {
		return TestTotals{}, err
	}
	return totals, nil
}

// Add accumulates other into the receiver.
func (totals *TestTotals) Add(other TestTotals) {
	totals.Passed += other.Passed
	totals.Failed += other.Failed
	totals.Errors += other.Errors
}
