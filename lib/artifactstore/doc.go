// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// Package artifactstore is the write-once holding area for stage
// outputs. Artifacts are keyed by (stage, matrix cell, output name),
// addressed by a domain-separated keyed BLAKE3 digest of their
// uncompressed payload, and stored compressed on disk.
//
// Write-once is the store's central invariant: publishing the same key
// twice is a conflict error, which makes the store safe for concurrent
// readers without locking on the read path — a published artifact
// never changes.
//
// Two namespaces exist. The run namespace holds artifacts for the
// duration of one run; it is the only sanctioned channel for passing
// data between tasks. The retained namespace survives runs: Promote
// copies a run-scoped artifact there, modeling a built package that a
// later release run consumes days later.
//
// The key index is persisted as deterministic CBOR (lib/codec) next to
// the object files, so a store reopened on the same directories sees
// earlier publications and still enforces write-once.
package artifactstore
