// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// Package coordinator controls run admission: at most one run per
// concurrency key is active at any instant. Admitting a new run for a
// key with an active run supersedes the older run — its record
// transitions to cancelled and its cancel function is invoked so the
// scheduler stops dispatching work.
//
// Superseded and completed records are never deleted; the registry is
// the audit trail of every run the process has seen. Only active
// records participate in admission checks.
//
// The registry is the single piece of mutable state shared between
// runs, so every admission and completion decision serializes on one
// mutex — the check-and-set for "one active run per key" must be
// atomic.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/conveyor-ci/conveyor/lib/clock"
	"github.com/conveyor-ci/conveyor/lib/schema"
)

// RunStatus is the lifecycle state of a run record.
type RunStatus string

const (
	// StatusActive means the run is admitted and in flight.
	StatusActive RunStatus = "active"

	// StatusCancelled means the run was superseded by a newer run
	// for the same concurrency key, or finished with a cancelled
	// verdict.
	StatusCancelled RunStatus = "cancelled"

	// StatusSucceeded and StatusFailed are terminal outcomes reported
	// via Complete.
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
)

// Decision is the outcome of an admission check.
type Decision struct {
	// Proceed is true when the run was registered active. Admission
	// never rejects a run — a newer run always wins — so Proceed is
	// currently always true; the field exists so callers read the
	// decision rather than assuming it.
	Proceed bool

	// Superseded is the run ID of the older active run this admission
	// cancelled, or empty.
	Superseded string
}

// RunRecord is one registry entry. Records are append-only: status
// transitions mutate the record in place, but records are never
// removed.
type RunRecord struct {
	// Key is the concurrency key the run competes under.
	Key string `json:"key"`

	// RunID is the run's correlation ID.
	RunID string `json:"run_id"`

	// Status is the record's current lifecycle state.
	Status RunStatus `json:"status"`

	// StartedAt is the admission time.
	StartedAt string `json:"started_at"`
}

// Registry tracks run records and enforces the one-active-run-per-key
// invariant. Safe for concurrent use.
type Registry struct {
	mu sync.Mutex

	clock  clock.Clock
	logger *slog.Logger

	// records is the append-only audit trail, in admission order.
	records []*RunRecord

	// active maps concurrency key → the currently active record and
	// its cancel function. At most one entry per key.
	active map[string]*activeRun

	// journal, when non-nil, receives a copy of every record
	// transition for persistence.
	journal Journal
}

// activeRun pairs an active record with the cooperative cancellation
// signal for its scheduler.
type activeRun struct {
	record *RunRecord
	cancel context.CancelFunc
}

// Journal receives record transitions for persistence. Implemented by
// journal.Writer; nil disables journaling.
type Journal interface {
	Record(record RunRecord) error
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the registry's clock (tests).
func WithClock(c clock.Clock) Option {
	return func(registry *Registry) { registry.clock = c }
}

// WithLogger overrides the registry's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(registry *Registry) { registry.logger = logger }
}

// WithJournal attaches a transition journal.
func WithJournal(journal Journal) Option {
	return func(registry *Registry) { registry.journal = journal }
}

// NewRegistry returns an empty registry.
func NewRegistry(options ...Option) *Registry {
	registry := &Registry{
		clock:  clock.Real(),
		logger: slog.Default(),
		active: map[string]*activeRun{},
	}
	for _, option := range options {
		option(registry)
	}
	return registry
}

// Admit registers runContext as the active run for its concurrency
// key. If another run is active for the same key, that run is
// transitioned to cancelled and its cancel function is invoked —
// best-effort: a run that already finished observes nothing, which is
// not an error.
//
// cancel is the cooperative cancellation signal for the new run's
// scheduler; it is invoked if a yet newer run supersedes this one.
func (registry *Registry) Admit(runContext schema.RunContext, cancel context.CancelFunc) (Decision, error) {
	if runContext.ConcurrencyKey == "" {
		return Decision{}, fmt.Errorf("admitting run %q: concurrency key is empty", runContext.RunID)
	}
	if runContext.RunID == "" {
		return Decision{}, fmt.Errorf("admitting run under key %q: run ID is empty", runContext.ConcurrencyKey)
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	decision := Decision{Proceed: true}

	if current, exists := registry.active[runContext.ConcurrencyKey]; exists {
		current.record.Status = StatusCancelled
		registry.journalLocked(*current.record)
		// Cancellation is cooperative: the superseded scheduler
		// observes context cancellation at its next checkpoint.
		current.cancel()
		decision.Superseded = current.record.RunID
		registry.logger.Info("run superseded",
			"key", runContext.ConcurrencyKey,
			"superseded", current.record.RunID,
			"by", runContext.RunID)
	}

	record := &RunRecord{
		Key:       runContext.ConcurrencyKey,
		RunID:     runContext.RunID,
		Status:    StatusActive,
		StartedAt: registry.clock.Now().UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	registry.records = append(registry.records, record)
	registry.active[runContext.ConcurrencyKey] = &activeRun{record: record, cancel: cancel}
	registry.journalLocked(*record)

	return decision, nil
}

// Complete transitions the active record for runID to the terminal
// status matching verdict. Completing a run that was already
// superseded is a no-op: its record is cancelled and a newer run owns
// the key.
func (registry *Registry) Complete(runID string, verdict schema.RunVerdict) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	for key, current := range registry.active {
		if current.record.RunID != runID {
			continue
		}
		switch verdict {
		case schema.VerdictSuccess:
			current.record.Status = StatusSucceeded
		case schema.VerdictCancelled:
			current.record.Status = StatusCancelled
		default:
			current.record.Status = StatusFailed
		}
		registry.journalLocked(*current.record)
		delete(registry.active, key)
		return
	}
}

// Records returns a copy of the audit trail for one concurrency key,
// in admission order. Pass the empty string for all keys.
func (registry *Registry) Records(key string) []RunRecord {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	var records []RunRecord
	for _, record := range registry.records {
		if key == "" || record.Key == key {
			records = append(records, *record)
		}
	}
	return records
}

// ActiveCount returns the number of active runs across all keys.
func (registry *Registry) ActiveCount() int {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return len(registry.active)
}

// journalLocked writes a record transition to the journal, if any.
// Journal failures are logged, never propagated: the registry's
// in-memory invariant holds regardless of persistence health.
func (registry *Registry) journalLocked(record RunRecord) {
	if registry.journal == nil {
		return
	}
	if err := registry.journal.Record(record); err != nil {
		registry.logger.Warn("run journal write failed",
			"key", record.Key, "run", record.RunID, "error", err)
	}
}
