// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// Package scheduler turns a validated pipeline definition into a task
// graph and executes it: one task per stage × matrix cell, dependency
// edges fanning out across matrices, ready tasks dispatched to a
// bounded worker pool in deterministic order.
//
// Failure propagation is structural, not temporal: a failed task marks
// every transitive dependent skipped, while unrelated branches keep
// running. Cancellation — whether from the run coordinator superseding
// the run or from a per-task deadline — is cooperative: in-flight
// actions observe context cancellation, not-yet-started tasks are
// marked cancelled, and committed work is never forcibly torn down.
package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/conveyor-ci/conveyor/lib/pipelinedef"
	"github.com/conveyor-ci/conveyor/lib/schema"
)

// ConfigError reports structural problems in a pipeline definition:
// dependency cycles, dangling references, malformed matrices or
// gates. A run with a ConfigError never starts — no task executes and
// no side effect occurs.
type ConfigError struct {
	// Issues are the human-readable findings from validation.
	Issues []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid pipeline definition:\n  %s", strings.Join(e.Issues, "\n  "))
}

// Task is one executable unit: a stage pinned to one matrix cell. The
// executor owns a task exclusively for its lifetime; results are the
// only thing that outlives it.
type Task struct {
	// Stage is the defining stage (unexpanded — variable expansion
	// happens at dispatch time).
	Stage *schema.StageDefinition

	// Cell is the matrix cell this task executes.
	Cell schema.MatrixCell

	// dependencies and dependents are indices into Graph.Tasks.
	dependencies []int
	dependents   []int
}

// ID returns "stage" or "stage[cellkey]" for logs and errors.
func (task *Task) ID() string {
	key := task.Cell.Key()
	if key == "" {
		return task.Stage.Name
	}
	return fmt.Sprintf("%s[%s]", task.Stage.Name, key)
}

// Graph is the expanded task graph for one pipeline. Tasks are
// ordered by stage name then cell key; that order is the scheduler's
// deterministic tie-break for dispatch.
type Graph struct {
	// Pipeline is the validated definition the graph was built from.
	Pipeline *schema.PipelineContent

	// Tasks is the full task set in deterministic order.
	Tasks []*Task

	// tasksByStage maps stage name → indices into Tasks.
	tasksByStage map[string][]int
}

// BuildGraph validates content and expands it into a task graph.
// Returns *ConfigError when validation finds issues; the error
// carries every finding, not just the first.
//
// Dependency edges fan out across matrices: every task of a stage
// depends on ALL cells of every stage in its DependsOn list. A build
// stage without a matrix therefore waits for the whole test matrix.
func BuildGraph(content *schema.PipelineContent) (*Graph, error) {
	if issues := pipelinedef.Validate(content); len(issues) > 0 {
		return nil, &ConfigError{Issues: issues}
	}

	graph := &Graph{
		Pipeline:     content,
		tasksByStage: make(map[string][]int, len(content.Stages)),
	}

	// Expand stages in name order so task order is independent of
	// definition file order.
	stages := make([]*schema.StageDefinition, 0, len(content.Stages))
	for index := range content.Stages {
		stages = append(stages, &content.Stages[index])
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i].Name < stages[j].Name })

	for _, stage := range stages {
		for _, cell := range schema.ExpandMatrix(stage.Matrix) {
			graph.tasksByStage[stage.Name] = append(graph.tasksByStage[stage.Name], len(graph.Tasks))
			graph.Tasks = append(graph.Tasks, &Task{Stage: stage, Cell: cell})
		}
	}

	for taskIndex, task := range graph.Tasks {
		for _, dependency := range task.Stage.DependsOn {
			for _, dependencyIndex := range graph.tasksByStage[dependency] {
				task.dependencies = append(task.dependencies, dependencyIndex)
				graph.Tasks[dependencyIndex].dependents = append(graph.Tasks[dependencyIndex].dependents, taskIndex)
			}
		}
	}

	return graph, nil
}

// StageTasks returns the indices of the tasks belonging to a stage.
func (graph *Graph) StageTasks(name string) []int {
	return graph.tasksByStage[name]
}
