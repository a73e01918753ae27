// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package schema

// PipelineContent is a complete pipeline definition: a named set of
// stages forming a directed acyclic graph. It is the parsed form of a
// JSONC pipeline file.
//
// Variable substitution (${NAME}) is applied to stage run commands and
// env values before execution. Variables are resolved from the
// pipeline's declarations, the runner's --var payload, and the process
// environment (see lib/pipelinedef.ResolveVariables).
type PipelineContent struct {
	// Name identifies the pipeline. Used in the default concurrency
	// key and in the report. When empty, the runner derives it from
	// the definition file name.
	Name string `json:"name,omitempty"`

	// Description is a human-readable summary of what this pipeline
	// does (e.g., "Test, build, and release the library").
	Description string `json:"description,omitempty"`

	// Variables declares the variables this pipeline expects, with
	// optional defaults and required flags. The runner validates
	// required variables before starting execution.
	Variables map[string]PipelineVariable `json:"variables,omitempty"`

	// Stages is the set of stage definitions. At least one stage is
	// required. Order in the file carries no execution meaning —
	// ordering comes from DependsOn edges.
	Stages []StageDefinition `json:"stages"`
}

// Stage returns the stage definition with the given name, or nil when
// no such stage exists.
func (content *PipelineContent) Stage(name string) *StageDefinition {
	for index := range content.Stages {
		if content.Stages[index].Name == name {
			return &content.Stages[index]
		}
	}
	return nil
}

// PipelineVariable declares an expected variable for a pipeline.
type PipelineVariable struct {
	// Description explains what this variable is for.
	Description string `json:"description,omitempty"`

	// Default is the fallback value when the variable is not provided
	// by any source. Empty string is a valid default.
	Default string `json:"default,omitempty"`

	// Required means the runner must fail if this variable has no
	// value from any source (including Default).
	Required bool `json:"required,omitempty"`
}

// StageDefinition is the immutable description of one pipeline stage.
// A stage expands into one task per matrix cell; a stage with no
// matrix has exactly one implicit cell.
type StageDefinition struct {
	// Name uniquely identifies the stage within the pipeline.
	Name string `json:"name"`

	// DependsOn lists stages that must complete before this stage
	// becomes eligible. Every task of this stage waits for all matrix
	// cells of every listed dependency. Referencing a missing stage,
	// the stage itself, or creating a cycle is a configuration error.
	DependsOn []string `json:"depends_on,omitempty"`

	// Matrix maps axis names to their value sequences (e.g.,
	// {"os": ["linux", "darwin"], "python": ["3.12", "3.13"]}). The
	// stage runs once per combination. Axis values are exported to
	// the action's environment.
	Matrix map[string][]string `json:"matrix,omitempty"`

	// Gate is the conditional predicate controlling whether this
	// stage runs for a given trigger. A nil gate means the stage
	// always runs (subject to dependencies).
	Gate *GateSpec `json:"gate,omitempty"`

	// Run is the command executed for each task of this stage, via
	// "sh -c" by the subprocess action. Required.
	Run string `json:"run"`

	// Env is extra environment for the action, merged over the run
	// context and matrix variables. Values support ${NAME} expansion.
	Env map[string]string `json:"env,omitempty"`

	// Timeout bounds each task of this stage (time.ParseDuration
	// format). Expiry is treated identically to external
	// cancellation: the task is cancelled, dependents skip. Empty
	// means the runner's default timeout applies.
	Timeout string `json:"timeout,omitempty"`

	// AllowSkippedDeps makes gate-skipped dependencies count as
	// satisfied for this stage. The default (false) is strict: a
	// skipped dependency skips this stage transitively. Failed or
	// cancelled dependencies always skip dependents regardless of
	// this flag.
	AllowSkippedDeps bool `json:"allow_skipped_deps,omitempty"`

	// Outputs names the files a task publishes to the artifact store
	// on success, relative to the action's working directory. Keyed
	// by artifact name.
	Outputs map[string]string `json:"outputs,omitempty"`

	// Promote lists output names to copy into the store's retained
	// namespace when the run succeeds. Retained artifacts survive the
	// run and are consumable by later runs (release promotion).
	Promote []string `json:"promote,omitempty"`

	// Results names a file the action writes a structured test-result
	// document to (JSON). The aggregator folds its pass/fail/error
	// counts into the report; a malformed document marks the cell
	// unparseable without failing aggregation.
	Results string `json:"results,omitempty"`
}

// GateSpec is a conditional predicate over the run's trigger. All set
// clauses must pass (conjunction). An empty spec passes always —
// equivalent to no gate.
type GateSpec struct {
	// Events restricts the stage to the listed trigger kinds. Use
	// NotEvents for the complement ("not a pull request").
	Events []TriggerKind `json:"events,omitempty"`

	// NotEvents excludes the listed trigger kinds.
	NotEvents []TriggerKind `json:"not_events,omitempty"`

	// Refs restricts the stage to refs matching at least one pattern:
	// an exact name ("main"), a prefix pattern ("release/*"), or the
	// match-all pattern ("*").
	Refs []string `json:"refs,omitempty"`
}

// Empty reports whether the gate has no clauses and therefore always
// passes.
func (gate *GateSpec) Empty() bool {
	return gate == nil || (len(gate.Events) == 0 && len(gate.NotEvents) == 0 && len(gate.Refs) == 0)
}
