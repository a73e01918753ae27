// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"

	"github.com/conveyor-ci/conveyor/lib/schema"
)

// ExecRequest is everything an action needs to execute one task. The
// stage is fully expanded: ${NAME} references in Run, Env, Outputs,
// and Results have already been substituted.
type ExecRequest struct {
	// Stage is the expanded stage definition.
	Stage schema.StageDefinition

	// Cell is the matrix cell being executed.
	Cell schema.MatrixCell

	// Env is the merged environment the action should expose to the
	// work: run context (CONVEYOR_*), matrix axes
	// (CONVEYOR_MATRIX_*), and the stage's own Env.
	Env map[string]string
}

// Outcome is what an action reports back. The scheduler inspects only
// the exit status; artifacts are handed to the store and the results
// document to the aggregator, both uninterpreted.
type Outcome struct {
	// ExitStatus is the action's exit status. Zero is success.
	ExitStatus int

	// Artifacts holds the payloads of the stage's declared outputs,
	// keyed by output name. Collected only on success.
	Artifacts map[string][]byte

	// Results is the raw structured test-result document, when the
	// stage declares one.
	Results []byte
}

// Action is the opaque boundary between the scheduler and the work a
// stage performs: invoke a test runner, a packaging tool, a publish
// API. The scheduler never inspects an action's internals.
//
// Execute must honor ctx cancellation at its safe checkpoints and
// should return promptly once the work reaches a stopping point.
// Returning an error means the action itself broke (could not start,
// lost an output file); a cleanly captured non-zero exit belongs in
// Outcome.ExitStatus instead.
type Action interface {
	Execute(ctx context.Context, request ExecRequest) (Outcome, error)
}

// ActionFunc adapts a function to the Action interface. Used heavily
// in tests.
type ActionFunc func(ctx context.Context, request ExecRequest) (Outcome, error)

// Execute calls the function.
func (f ActionFunc) Execute(ctx context.Context, request ExecRequest) (Outcome, error) {
	return f(ctx, request)
}
