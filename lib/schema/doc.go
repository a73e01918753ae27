// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the shared data model for Conveyor pipelines:
// pipeline and stage definitions, trigger events, run context, matrix
// cells, task results, and the aggregated report content.
//
// Pipeline definitions are authored on disk as JSONC files (JSON
// extended with comments and trailing commas) and parsed by
// lib/pipelinedef. Run records and artifact indexes are persisted as
// deterministic CBOR via lib/codec.
//
// This package has no Conveyor-internal dependencies so that every
// other package can import it without cycles.
package schema
