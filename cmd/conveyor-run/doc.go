// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// conveyor-run executes one pipeline run end to end: parse and
// validate the definition, build the task graph, execute it against
// the trigger, and print the consolidated report.
//
// Usage:
//
//	conveyor-run --pipeline ci/release.jsonc --event push --ref main
//
// The pipeline definition is JSONC (JSON with comments and trailing
// commas). The trigger is described by --event, --ref, and --actor;
// gated stages that the trigger does not admit are skipped without
// failing the run.
//
// Variables referenced as ${NAME} in stage commands resolve from the
// pipeline's declarations, then --var NAME=VALUE flags, then the
// process environment, later sources winning.
//
// Runs are coordinated through a concurrency key (default
// "<pipeline>@<ref>", override with --concurrency-key): admitting a
// new run cancels an active run holding the same key. SIGINT and
// SIGTERM cancel the run cooperatively — in-flight stage commands are
// signalled, not-yet-started tasks are marked cancelled, and the
// report still covers every task.
//
// Exit status:
//
//	0  run succeeded (skipped stages do not fail a run)
//	1  run failed: a task failed, a result document was unparseable,
//	   or a promotion could not be recorded
//	2  configuration error: bad flags, unreadable config, invalid
//	   pipeline definition (nothing was executed)
//	3  run cancelled before reaching a verdict
package main
