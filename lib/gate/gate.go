// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// Package gate evaluates stage gate predicates against a run's
// trigger. A gate is a conjunction of clauses: an event-kind set
// match, an event-kind exclusion, and a ref pattern match. A stage
// with no gate (or an empty gate) always runs — this default matches
// common pipeline conventions and is relied on throughout Conveyor.
//
// Gate evaluation is pure: it reads only the gate spec and the
// trigger, never upstream outcomes. Dependency satisfaction is the
// scheduler's concern; a gate that evaluates false marks the stage
// skipped, and by default a skipped stage does NOT satisfy a strict
// dependency (see lib/scheduler).
package gate

import (
	"fmt"
	"strings"

	"github.com/conveyor-ci/conveyor/lib/schema"
)

// Evaluate reports whether the gate admits the trigger. A nil or
// empty gate admits everything. All set clauses must pass.
//
// Returns an error for a malformed ref pattern. The validator rejects
// such patterns at load time; if one reaches evaluation anyway (e.g.,
// a definition constructed in code), the scheduler marks the stage
// failed and its dependents skip.
func Evaluate(gate *schema.GateSpec, trigger schema.Trigger) (bool, error) {
	if gate.Empty() {
		return true, nil
	}

	if len(gate.Events) > 0 && !containsKind(gate.Events, trigger.Kind) {
		return false, nil
	}
	if containsKind(gate.NotEvents, trigger.Kind) {
		return false, nil
	}

	if len(gate.Refs) > 0 {
		matched := false
		for _, pattern := range gate.Refs {
			ok, err := MatchRef(pattern, trigger.Ref)
			if err != nil {
				return false, err
			}
			if ok {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}

	return true, nil
}

// MatchRef reports whether ref matches pattern. Three pattern forms
// are supported:
//
//   - "*" matches every ref
//   - "prefix/*" matches "prefix/" followed by anything (but not
//     "prefix" itself)
//   - anything else is an exact match
//
// Returns an error for malformed patterns: the empty string, or a "*"
// anywhere other than a bare "*" or a trailing "/*".
func MatchRef(pattern, ref string) (bool, error) {
	if pattern == "" {
		return false, fmt.Errorf("empty ref pattern")
	}
	if pattern == "*" {
		return true, nil
	}
	if index := strings.IndexByte(pattern, '*'); index >= 0 {
		if !strings.HasSuffix(pattern, "/*") || index != len(pattern)-1 {
			return false, fmt.Errorf("invalid ref pattern %q (wildcard is only valid as a trailing \"/*\")", pattern)
		}
		prefix := pattern[:len(pattern)-1] // keep the slash
		return strings.HasPrefix(ref, prefix), nil
	}
	return pattern == ref, nil
}

// containsKind reports whether kind appears in kinds.
func containsKind(kinds []schema.TriggerKind, kind schema.TriggerKind) bool {
	for _, candidate := range kinds {
		if candidate == kind {
			return true
		}
	}
	return false
}
