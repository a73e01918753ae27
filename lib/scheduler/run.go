// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/conveyor-ci/conveyor/lib/artifactstore"
	"github.com/conveyor-ci/conveyor/lib/clock"
	"github.com/conveyor-ci/conveyor/lib/gate"
	"github.com/conveyor-ci/conveyor/lib/pipelinedef"
	"github.com/conveyor-ci/conveyor/lib/schema"
)

// defaultConcurrency bounds the worker pool when the caller does not
// set a limit.
const defaultConcurrency = 4

// Runner executes a task graph. The zero value is not usable: Action
// is required. Everything else has defaults.
type Runner struct {
	// Action executes individual tasks. Required.
	Action Action

	// Store receives published outputs and promotions. Nil disables
	// artifact handling; stages declaring outputs then fail.
	Store *artifactstore.Store

	// Clock defaults to clock.Real(). Tests inject a fake to drive
	// task deadlines deterministically.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Concurrency bounds how many tasks execute at once. Zero means
	// defaultConcurrency.
	Concurrency int

	// DefaultTimeout bounds tasks whose stage declares no Timeout.
	// Zero means no default deadline.
	DefaultTimeout time.Duration

	// Variables is the resolved pipeline variable map used for
	// ${NAME} expansion. Matrix cell values are merged over it per
	// task, so ${os} inside a run command resolves to the cell's
	// axis value.
	Variables map[string]string
}

// RunResult is the outcome of one run: every task's terminal state
// plus the aggregate verdict.
type RunResult struct {
	// Verdict is failure if any task failed, else cancelled if any
	// task was cancelled, else success. Skipped tasks never affect
	// the verdict.
	Verdict schema.RunVerdict

	// Results holds one entry per task, ordered by stage name then
	// cell key (the graph's deterministic order).
	Results []schema.TaskResult

	// StartedAt and Duration bound the run.
	StartedAt time.Time
	Duration  time.Duration
}

// completion carries a finished task's result back to the dispatch
// loop.
type completion struct {
	index  int
	result schema.TaskResult
}

// Run executes the graph against runContext and returns every task's
// terminal state. The returned error is reserved for runner misuse
// (nil Action) and for promotion failures after an otherwise
// successful run; task failures are reported through the RunResult,
// not the error.
//
// Cancellation is cooperative. When ctx is cancelled — the
// coordinator superseding this run — no new task starts, every
// not-yet-started task is marked cancelled, and in-flight actions are
// left to observe their context and wind down; work past its point of
// no return completes and is recorded.
func (runner *Runner) Run(ctx context.Context, graph *Graph, runContext schema.RunContext) (*RunResult, error) {
	if runner.Action == nil {
		return nil, fmt.Errorf("scheduler: Runner.Action is required")
	}

	clk := runner.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := runner.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := runner.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	taskCount := len(graph.Tasks)
	status := make([]schema.TaskStatus, taskCount)
	results := make([]schema.TaskResult, taskCount)
	for index, task := range graph.Tasks {
		status[index] = schema.StatusPending
		results[index] = schema.TaskResult{Stage: task.Stage.Name, Cell: task.Cell.Key(), Status: schema.StatusPending}
	}

	completions := make(chan completion)
	running := 0
	startedAt := clk.Now()

	for {
		// Dispatch pass. Tasks are visited in graph order (stage
		// name, then cell key), which makes dispatch order
		// deterministic for identical inputs. Repeat until a full
		// pass makes no transition: each skip can unblock the
		// assessment of its dependents.
		for progress := true; progress; {
			progress = false
			for index, task := range graph.Tasks {
				if status[index] != schema.StatusPending {
					continue
				}

				// Run-level cancellation: no new work, everything
				// still pending is cancelled.
				if ctx.Err() != nil {
					status[index] = schema.StatusCancelled
					results[index].Status = schema.StatusCancelled
					results[index].Error = "run cancelled"
					progress = true
					continue
				}

				blocked, allTerminal := assessDependencies(graph, status, task)
				if !allTerminal {
					continue
				}
				if blocked != "" {
					status[index] = schema.StatusSkipped
					results[index].Status = schema.StatusSkipped
					results[index].Error = blocked
					logger.Info("task skipped", "task", task.ID(), "reason", blocked)
					progress = true
					continue
				}

				admitted, err := gate.Evaluate(task.Stage.Gate, runContext.Trigger)
				if err != nil {
					status[index] = schema.StatusFailed
					results[index].Status = schema.StatusFailed
					results[index].Error = fmt.Sprintf("evaluating gate: %v", err)
					progress = true
					continue
				}
				if !admitted {
					status[index] = schema.StatusSkipped
					results[index].Status = schema.StatusSkipped
					results[index].Error = fmt.Sprintf("gate did not admit %s on %q", runContext.Trigger.Kind, runContext.Trigger.Ref)
					progress = true
					continue
				}

				if running >= concurrency {
					continue
				}

				status[index] = schema.StatusRunning
				running++
				go func(index int, task *Task) {
					completions <- completion{index: index, result: runner.executeTask(ctx, graph, task, runContext, clk, logger)}
				}(index, task)
				progress = true
			}
		}

		if running == 0 {
			if terminalCount(status) == taskCount {
				break
			}
			// Validated graphs are acyclic, so a stall with no work
			// in flight indicates a scheduler bug, not a bad
			// definition.
			return nil, fmt.Errorf("scheduler stalled with %d unfinished tasks", taskCount-terminalCount(status))
		}

		finished := <-completions
		running--
		status[finished.index] = finished.result.Status
		results[finished.index] = finished.result
		logger.Info("task finished",
			"task", graph.Tasks[finished.index].ID(),
			"status", finished.result.Status,
			"duration_ms", finished.result.DurationMS)
	}

	result := &RunResult{
		Results:   results,
		StartedAt: startedAt,
		Duration:  clk.Now().Sub(startedAt),
		Verdict:   verdict(results),
	}

	if result.Verdict == schema.VerdictSuccess {
		// Aggregation downgrades a succeeded task with a malformed
		// result document to unparseable, which fails the run.
		// Promotion must not get ahead of that: a run that will not
		// report success retains nothing.
		if task := malformedResults(graph, results); task != "" {
			logger.Info("promotion withheld",
				"task", task, "reason", "malformed result document")
			return result, nil
		}
		if err := runner.promote(graph, results, logger); err != nil {
			result.Verdict = schema.VerdictFailure
			return result, err
		}
	}

	return result, nil
}

// malformedResults returns the ID of the first successful task whose
// captured result document does not parse, or "" when every document
// parses.
func malformedResults(graph *Graph, results []schema.TaskResult) string {
	for index, result := range results {
		if result.Status != schema.StatusSuccess || len(result.Results) == 0 {
			continue
		}
		if _, err := schema.ParseTestTotals(result.Results); err != nil {
			return graph.Tasks[index].ID()
		}
	}
	return ""
}

// assessDependencies inspects a task's predecessors. allTerminal is
// false while any dependency is still pending or running. blocked
// names the first unsatisfied dependency once all are terminal: a
// failed, cancelled, or (by default) skipped dependency blocks the
// task. AllowSkippedDeps relaxes only the skipped case — this is the
// documented default that a gate-skipped stage does NOT satisfy a
// strict dependency.
func assessDependencies(graph *Graph, status []schema.TaskStatus, task *Task) (blocked string, allTerminal bool) {
	for _, dependencyIndex := range task.dependencies {
		dependencyStatus := status[dependencyIndex]
		if !dependencyStatus.Terminal() {
			return "", false
		}
		switch {
		case dependencyStatus == schema.StatusSuccess:
		case dependencyStatus == schema.StatusSkipped && task.Stage.AllowSkippedDeps:
		default:
			if blocked == "" {
				blocked = fmt.Sprintf("dependency %s did not succeed (%s)",
					graph.Tasks[dependencyIndex].ID(), dependencyStatus)
			}
		}
	}
	return blocked, true
}

// executeTask runs one task end to end: variable expansion, deadline
// arming, action execution, artifact publication.
func (runner *Runner) executeTask(ctx context.Context, graph *Graph, task *Task, runContext schema.RunContext, clk clock.Clock, logger *slog.Logger) schema.TaskResult {
	startTime := clk.Now()
	result := schema.TaskResult{Stage: task.Stage.Name, Cell: task.Cell.Key()}

	finish := func(status schema.TaskStatus, message string) schema.TaskResult {
		result.Status = status
		result.Error = message
		result.DurationMS = clk.Now().Sub(startTime).Milliseconds()
		return result
	}

	// Matrix values overlay pipeline variables so ${os} in a run
	// command resolves per cell.
	variables := make(map[string]string, len(runner.Variables)+len(task.Cell.Values))
	for name, value := range runner.Variables {
		variables[name] = value
	}
	for axis, value := range task.Cell.Values {
		variables[axis] = value
	}

	expanded, err := pipelinedef.ExpandStage(*task.Stage, variables)
	if err != nil {
		return finish(schema.StatusFailed, err.Error())
	}

	// Per-task deadline. Validate has already checked the format;
	// fail loud if a bad value reaches execution anyway.
	timeout := runner.DefaultTimeout
	if expanded.Timeout != "" {
		parsed, err := time.ParseDuration(expanded.Timeout)
		if err != nil {
			return finish(schema.StatusFailed, fmt.Sprintf("invalid timeout %q: %v", expanded.Timeout, err))
		}
		timeout = parsed
	}

	taskContext, cancelTask := context.WithCancel(ctx)
	defer cancelTask()

	var deadlineExpired atomic.Bool
	if timeout > 0 {
		go func() {
			select {
			case <-clk.After(timeout):
				deadlineExpired.Store(true)
				cancelTask()
			case <-taskContext.Done():
			}
		}()
	}

	outcome, err := runner.Action.Execute(taskContext, ExecRequest{
		Stage: expanded,
		Cell:  task.Cell,
		Env:   buildEnv(graph.Pipeline.Name, expanded, task.Cell, runContext),
	})
	if err != nil {
		// Deadline expiry is treated identically to external
		// cancellation: the task is cancelled, not failed.
		if deadlineExpired.Load() {
			return finish(schema.StatusCancelled, fmt.Sprintf("deadline exceeded after %s", timeout))
		}
		if ctx.Err() != nil {
			return finish(schema.StatusCancelled, "run cancelled")
		}
		return finish(schema.StatusFailed, err.Error())
	}

	if outcome.ExitStatus != 0 {
		result.ExitStatus = outcome.ExitStatus
		return finish(schema.StatusFailed, fmt.Sprintf("exit status %d", outcome.ExitStatus))
	}

	result.Results = outcome.Results

	if len(outcome.Artifacts) > 0 {
		if runner.Store == nil {
			return finish(schema.StatusFailed, "stage declares outputs but the runner has no artifact store")
		}
		result.Artifacts = make(map[string]string, len(outcome.Artifacts))
		for _, name := range sortedKeys(outcome.Artifacts) {
			ref, err := runner.Store.Publish(task.Stage.Name, task.Cell.Key(), name, outcome.Artifacts[name])
			if err != nil {
				// A publish conflict is fatal to the publishing task
				// only; siblings and unrelated branches continue.
				return finish(schema.StatusFailed, fmt.Sprintf("publishing output %q: %v", name, err))
			}
			result.Artifacts[name] = ref.Digest
		}
	}

	return finish(schema.StatusSuccess, "")
}

// promote copies declared outputs of successful tasks into the
// retained namespace. Called only after a fully successful run: a
// promotion that fails flips the verdict to failure, because a
// release artifact that was not retained is a failed release.
func (runner *Runner) promote(graph *Graph, results []schema.TaskResult, logger *slog.Logger) error {
	for index, task := range graph.Tasks {
		if len(task.Stage.Promote) == 0 || results[index].Status != schema.StatusSuccess {
			continue
		}
		if runner.Store == nil {
			return fmt.Errorf("stage %q declares promotions but the runner has no artifact store", task.Stage.Name)
		}
		for _, name := range task.Stage.Promote {
			ref, err := runner.Store.Promote(task.Stage.Name, task.Cell.Key(), name)
			if err != nil {
				return fmt.Errorf("promoting %s output %q: %w", task.ID(), name, err)
			}
			logger.Info("artifact promoted", "ref", ref.String())
		}
	}
	return nil
}

// buildEnv assembles the environment additions a task's action sees:
// run identity (CONVEYOR_*), matrix axes (CONVEYOR_MATRIX_*), and the
// stage's own env on top.
func buildEnv(pipelineName string, stage schema.StageDefinition, cell schema.MatrixCell, runContext schema.RunContext) map[string]string {
	env := map[string]string{
		"CONVEYOR_PIPELINE": pipelineName,
		"CONVEYOR_STAGE":    stage.Name,
		"CONVEYOR_CELL":     cell.Key(),
		"CONVEYOR_RUN_ID":   runContext.RunID,
		"CONVEYOR_EVENT":    string(runContext.Trigger.Kind),
		"CONVEYOR_REF":      runContext.Trigger.Ref,
		"CONVEYOR_ACTOR":    runContext.Trigger.Actor,
	}
	for axis, value := range cell.Values {
		env["CONVEYOR_MATRIX_"+envName(axis)] = value
	}
	for key, value := range stage.Env {
		env[key] = value
	}
	return env
}

// verdict folds task results into the run verdict.
func verdict(results []schema.TaskResult) schema.RunVerdict {
	cancelled := false
	for _, result := range results {
		switch result.Status {
		case schema.StatusFailed, schema.StatusUnparseable:
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

// terminalCount counts tasks in a terminal state.
func terminalCount(status []schema.TaskStatus) int {
	count := 0
	for _, s := range status {
		if s.Terminal() {
			count++
		}
	}
	return count
}

// sortedKeys returns the map's keys in sorted order, for
// deterministic publication order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
