// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code
// injects Real(); tests inject Fake() and advance it explicitly, so
// timeout and duration behavior is deterministic without real waits.
//
// Every Conveyor function that needs time.Now or time.After accepts a
// Clock (or is a method on a struct with a Clock field) instead of
// calling the time package directly.
package clock
