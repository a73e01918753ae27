// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Conveyor's standard CBOR encoding and
// decoding configuration. All persisted state — coordinator run-record
// journals and artifact store indexes — goes through this package so
// that the encoding options live in exactly one place.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2): the same
// logical data always produces identical bytes. This keeps journal
// replays and index comparisons byte-stable across processes.
package codec
