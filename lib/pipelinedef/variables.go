// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package pipelinedef

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/conveyor-ci/conveyor/lib/schema"
)

// variablePattern matches ${NAME} references in strings. Only the
// braced form is recognized — bare $NAME is left for shell
// interpretation. Variable names must start with a letter or
// underscore and contain only letters, digits, and underscores.
var variablePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ResolveVariables merges variable sources according to pipeline
// resolution order (lowest to highest priority):
//
//  1. Declared defaults from pipeline variable definitions
//  2. Payload values from the runner's --var flags
//  3. Environment lookup via the environ function
//
// Returns the merged variable map. Returns an error if any required
// variable (per its declaration) has no value from any source.
//
// The environ function is typically os.Getenv for production use, or
// a stub for testing. It is only consulted for declared variables —
// undeclared environment variables are not pulled in.
func ResolveVariables(declarations map[string]schema.PipelineVariable, payload map[string]string, environ func(string) string) (map[string]string, error) {
	resolved := make(map[string]string, len(declarations)+len(payload))

	// Declared defaults (lowest priority).
	for name, declaration := range declarations {
		if declaration.Default != "" {
			resolved[name] = declaration.Default
		}
	}

	// Payload values (medium priority).
	for name, value := range payload {
		resolved[name] = value
	}

	// Environment values for declared variables (highest priority).
	if environ != nil {
		for name := range declarations {
			if value := environ(name); value != "" {
				resolved[name] = value
			}
		}
	}

	// Check that all required variables have a value.
	var missing []string
	for name, declaration := range declarations {
		if declaration.Required {
			if _, exists := resolved[name]; !exists {
				missing = append(missing, name)
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("required pipeline variables not set: %s", strings.Join(missing, ", "))
	}

	return resolved, nil
}

// Expand replaces ${NAME} references in input with values from the
// variables map. Only the ${NAME} form is recognized (braces
// required); bare $NAME is left for shell interpretation.
//
// Returns an error listing all referenced variables that have no value
// in the map, so definitions fail fast on unresolvable references
// rather than producing broken commands.
func Expand(input string, variables map[string]string) (string, error) {
	var unresolved []string

	result := variablePattern.ReplaceAllStringFunc(input, func(match string) string {
		name := match[2 : len(match)-1]
		if value, exists := variables[name]; exists {
			return value
		}
		unresolved = append(unresolved, name)
		return match
	})

	if len(unresolved) > 0 {
		sort.Strings(unresolved)
		return "", fmt.Errorf("unresolved pipeline variables: %s", strings.Join(unresolved, ", "))
	}

	return result, nil
}

// ExpandStage returns a copy of stage with ${NAME} references expanded
// in its Run command, Env values, Outputs paths, and Results path.
// Structural fields (Name, DependsOn, Matrix, Gate) are never
// expanded: the graph must be fixed before variable resolution.
func ExpandStage(stage schema.StageDefinition, variables map[string]string) (schema.StageDefinition, error) {
	expanded := stage

	run, err := Expand(stage.Run, variables)
	if err != nil {
		return stage, fmt.Errorf("expanding run: %w", err)
	}
	expanded.Run = run

	if len(stage.Env) > 0 {
		expanded.Env = make(map[string]string, len(stage.Env))
		for key, value := range stage.Env {
			expandedValue, err := Expand(value, variables)
			if err != nil {
				return stage, fmt.Errorf("expanding env[%q]: %w", key, err)
			}
			expanded.Env[key] = expandedValue
		}
	}

	if len(stage.Outputs) > 0 {
		expanded.Outputs = make(map[string]string, len(stage.Outputs))
		for name, path := range stage.Outputs {
			expandedPath, err := Expand(path, variables)
			if err != nil {
				return stage, fmt.Errorf("expanding outputs[%q]: %w", name, err)
			}
			expanded.Outputs[name] = expandedPath
		}
	}

	if stage.Results != "" {
		results, err := Expand(stage.Results, variables)
		if err != nil {
			return stage, fmt.Errorf("expanding results: %w", err)
		}
		expanded.Results = results
	}

	return expanded, nil
}
