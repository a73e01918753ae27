// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"fmt"
	"time"
)

// TriggerKind classifies the event that started a run. The vocabulary
// is closed: gates match against it, and the validator rejects
// pipeline definitions referencing kinds outside this set.
type TriggerKind string

const (
	// TriggerManual is an operator-initiated dispatch.
	TriggerManual TriggerKind = "manual"

	// TriggerPush is a push to a ref.
	TriggerPush TriggerKind = "push"

	// TriggerPullRequest is a pull request open or update.
	TriggerPullRequest TriggerKind = "pull_request"
)

// ValidTriggerKind reports whether kind is a member of the closed
// trigger vocabulary.
func ValidTriggerKind(kind TriggerKind) bool {
	switch kind {
	case TriggerManual, TriggerPush, TriggerPullRequest:
		return true
	}
	return false
}

// Trigger is the event descriptor that starts a run: what happened,
// on which ref, initiated by whom. It is the input to gate
// evaluation.
type Trigger struct {
	// Kind is the event classification (manual, push, pull_request).
	Kind TriggerKind `json:"kind"`

	// Ref is the branch or tag name the event refers to, without any
	// refs/heads/ prefix (e.g., "main", "release/1.2").
	Ref string `json:"ref"`

	// Actor identifies who or what initiated the event. Informational
	// only — gates do not match on it.
	Actor string `json:"actor,omitempty"`
}

// RunContext is the immutable identity of one run: the trigger that
// started it, the concurrency key it competes under, and a correlation
// ID. Built once by the runner before admission and never modified.
type RunContext struct {
	// Trigger is the event that started the run.
	Trigger Trigger `json:"trigger"`

	// ConcurrencyKey determines which runs compete for exclusivity.
	// Runs sharing a key supersede each other: admitting a new run
	// cancels the active one. Defaults to "<pipeline>@<ref>" when not
	// set explicitly.
	ConcurrencyKey string `json:"concurrency_key"`

	// RunID is the correlation identifier for this run, unique within
	// the coordinator registry.
	RunID string `json:"run_id"`

	// StartedAt is the wall-clock admission time.
	StartedAt time.Time `json:"started_at"`
}

// DefaultConcurrencyKey derives the concurrency key used when the
// caller does not provide one: the pipeline name and the trigger ref,
// so that runs for different branches of the same pipeline never
// supersede each other.
func DefaultConcurrencyKey(pipelineName string, trigger Trigger) string {
	return fmt.Sprintf("%s@%s", pipelineName, trigger.Ref)
}
