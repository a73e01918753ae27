// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package pipelinedef

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/conveyor-ci/conveyor/lib/schema"
)

// Validate checks a PipelineContent for structural issues. Returns a
// list of human-readable issue descriptions. An empty list means the
// pipeline is valid and a task graph can be built from it.
//
// Structural checks include:
//   - At least one stage is required
//   - Each stage must have a non-empty, unique Name
//   - Each stage must have a non-empty Run command
//   - DependsOn entries must reference existing stages, never the
//     stage itself, and must not form a cycle
//   - Matrix axes must have non-empty names and at least one value;
//     values within an axis must be unique
//   - Gate events must be drawn from the trigger vocabulary; gate ref
//     patterns must be well-formed (see lib/gate)
//   - Timeout (when present) must be parseable by time.ParseDuration
//   - Promote entries must name declared outputs
func Validate(content *schema.PipelineContent) []string {
	var issues []string

	if len(content.Stages) == 0 {
		issues = append(issues, "pipeline has no stages (at least one stage is required)")
	}

	// Stage names must be unique: dependency edges, artifact keys, and
	// report entries are all keyed by name.
	stageNames := make(map[string]int, len(content.Stages))
	for index, stage := range content.Stages {
		if stage.Name != "" {
			if firstIndex, exists := stageNames[stage.Name]; exists {
				issues = append(issues, fmt.Sprintf(
					"stages[%d] %q: duplicate stage name (first used at stages[%d])",
					index, stage.Name, firstIndex,
				))
			} else {
				stageNames[stage.Name] = index
			}
		}
	}

	for index, stage := range content.Stages {
		prefix := fmt.Sprintf("stages[%d]", index)
		issues = append(issues, validateStage(stage, stageNames, prefix)...)
	}

	issues = append(issues, validateAcyclic(content)...)

	return issues
}

// validateStage checks a single stage definition for structural
// issues. The prefix identifies the stage's position for error
// messages.
func validateStage(stage schema.StageDefinition, stageNames map[string]int, prefix string) []string {
	var issues []string

	if stage.Name == "" {
		issues = append(issues, fmt.Sprintf("%s: name is required", prefix))
	} else {
		prefix = fmt.Sprintf("%s %q", prefix, stage.Name)
	}

	if stage.Run == "" {
		issues = append(issues, fmt.Sprintf("%s: run is required", prefix))
	}

	// Dependency references: must exist, must not be the stage itself.
	// Duplicate entries are harmless for execution but indicate a
	// definition mistake, so they are reported.
	seen := make(map[string]bool, len(stage.DependsOn))
	for _, dependency := range stage.DependsOn {
		if dependency == stage.Name {
			issues = append(issues, fmt.Sprintf("%s: depends_on references the stage itself", prefix))
			continue
		}
		if _, exists := stageNames[dependency]; !exists {
			issues = append(issues, fmt.Sprintf("%s: depends_on references unknown stage %q", prefix, dependency))
			continue
		}
		if seen[dependency] {
			issues = append(issues, fmt.Sprintf("%s: duplicate depends_on entry %q", prefix, dependency))
		}
		seen[dependency] = true
	}

	// Matrix axes.
	for axis, values := range stage.Matrix {
		if axis == "" {
			issues = append(issues, fmt.Sprintf("%s: matrix axis name must be non-empty", prefix))
			continue
		}
		if len(values) == 0 {
			issues = append(issues, fmt.Sprintf("%s: matrix axis %q has no values", prefix, axis))
		}
		valueSeen := make(map[string]bool, len(values))
		for _, value := range values {
			if valueSeen[value] {
				issues = append(issues, fmt.Sprintf("%s: matrix axis %q has duplicate value %q", prefix, axis, value))
			}
			valueSeen[value] = true
		}
	}

	// Gate vocabulary.
	if stage.Gate != nil {
		for _, kind := range stage.Gate.Events {
			if !schema.ValidTriggerKind(kind) {
				issues = append(issues, fmt.Sprintf("%s: gate.events contains unknown trigger kind %q", prefix, kind))
			}
		}
		for _, kind := range stage.Gate.NotEvents {
			if !schema.ValidTriggerKind(kind) {
				issues = append(issues, fmt.Sprintf("%s: gate.not_events contains unknown trigger kind %q", prefix, kind))
			}
		}
		for _, pattern := range stage.Gate.Refs {
			if err := validateRefPattern(pattern); err != nil {
				issues = append(issues, fmt.Sprintf("%s: gate.refs: %v", prefix, err))
			}
		}
	}

	// Timeout must be parseable when present.
	if stage.Timeout != "" {
		if _, err := time.ParseDuration(stage.Timeout); err != nil {
			issues = append(issues, fmt.Sprintf("%s: invalid timeout %q: %v", prefix, stage.Timeout, err))
		}
	}

	// Promote entries must name declared outputs.
	for _, name := range stage.Promote {
		if _, exists := stage.Outputs[name]; !exists {
			issues = append(issues, fmt.Sprintf("%s: promote references undeclared output %q", prefix, name))
		}
	}

	return issues
}

// validateRefPattern checks a gate ref pattern: an exact name, a
// trailing-/* prefix pattern, or the bare match-all "*". A "*"
// anywhere else is malformed.
func validateRefPattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty ref pattern")
	}
	if pattern == "*" {
		return nil
	}
	if index := strings.IndexByte(pattern, '*'); index >= 0 {
		if !strings.HasSuffix(pattern, "/*") || index != len(pattern)-1 {
			return fmt.Errorf("invalid ref pattern %q (wildcard is only valid as a trailing \"/*\")", pattern)
		}
	}
	return nil
}

// validateAcyclic detects dependency cycles with an iterative
// depth-first search over the stage graph. Each cycle is reported once
// with its member path. Unknown and self dependencies are reported by
// validateStage and ignored here.
func validateAcyclic(content *schema.PipelineContent) []string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)

	state := make(map[string]int, len(content.Stages))
	dependencies := make(map[string][]string, len(content.Stages))
	for _, stage := range content.Stages {
		for _, dependency := range stage.DependsOn {
			if dependency != stage.Name && content.Stage(dependency) != nil {
				dependencies[stage.Name] = append(dependencies[stage.Name], dependency)
			}
		}
	}

	var issues []string
	var path []string

	var visit func(name string)
	visit = func(name string) {
		switch state[name] {
		case done:
			return
		case visiting:
			// Found a cycle: report the path segment from the first
			// occurrence of name.
			start := 0
			for index, member := range path {
				if member == name {
					start = index
					break
				}
			}
			cycle := append(append([]string{}, path[start:]...), name)
			issues = append(issues, fmt.Sprintf(
				"dependency cycle: %s", strings.Join(cycle, " -> ")))
			return
		}

		state[name] = visiting
		path = append(path, name)
		for _, dependency := range dependencies[name] {
			visit(dependency)
		}
		path = path[:len(path)-1]
		state[name] = done
	}

	// Visit in sorted name order so cycle reports are deterministic.
	names := make([]string, 0, len(content.Stages))
	for _, stage := range content.Stages {
		if stage.Name != "" {
			names = append(names, stage.Name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		visit(name)
	}

	return issues
}
