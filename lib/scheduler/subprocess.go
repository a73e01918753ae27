// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// Subprocess executes a task's Run command through a shell. This is
// the production action: the command is opaque to Conveyor, which
// only sees the exit status and the declared output files afterward.
type Subprocess struct {
	// WorkDir is the working directory commands run in, and the base
	// for resolving declared output and results files. Empty means
	// the process's current directory.
	WorkDir string

	// Shell is the interpreter argv prefix; the run command is
	// appended as the final argument. Defaults to ["/bin/sh", "-c"].
	Shell []string

	// Logger receives one line per command start. Nil means
	// slog.Default().
	Logger *slog.Logger
}

// Execute runs the stage's command, then collects declared outputs
// and the results document. A cleanly captured non-zero exit status
// is reported in the Outcome, not as an error; errors are reserved
// for the action itself breaking (command could not start, a declared
// output file is missing after success).
func (s *Subprocess) Execute(ctx context.Context, request ExecRequest) (Outcome, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	shell := s.Shell
	if len(shell) == 0 {
		shell = []string{"/bin/sh", "-c"}
	}

	argv := append(append([]string{}, shell...), request.Stage.Run)
	command := exec.CommandContext(ctx, argv[0], argv[1:]...)
	command.Dir = s.WorkDir

	// Deterministic environment ordering keeps command invocations
	// reproducible for the same inputs.
	command.Env = append(os.Environ(), sortedEnv(request.Env)...)

	// Stage output goes straight to the runner's own streams. Tasks
	// running concurrently interleave; the per-task log lines carry
	// the stage and cell for attribution.
	command.Stdout = os.Stdout
	command.Stderr = os.Stderr

	logger.Info("executing stage command",
		"stage", request.Stage.Name,
		"cell", request.Cell.Key(),
		"command", request.Stage.Run)

	if err := command.Run(); err != nil {
		var exitError *exec.ExitError
		if !errors.As(err, &exitError) {
			return Outcome{}, fmt.Errorf("starting command: %w", err)
		}
		// Cancellation kills the shell with a signal; surface that as
		// the context error so the scheduler records cancellation
		// rather than a spurious failure.
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		return Outcome{ExitStatus: exitError.ExitCode()}, nil
	}

	outcome := Outcome{}

	if len(request.Stage.Outputs) > 0 {
		outcome.Artifacts = make(map[string][]byte, len(request.Stage.Outputs))
		for name, path := range request.Stage.Outputs {
			payload, err := os.ReadFile(s.resolve(path))
			if err != nil {
				return Outcome{}, fmt.Errorf("capturing output %q: %w", name, err)
			}
			outcome.Artifacts[name] = payload
		}
	}

	if request.Stage.Results != "" {
		results, err := os.ReadFile(s.resolve(request.Stage.Results))
		if err != nil {
			return Outcome{}, fmt.Errorf("capturing results document: %w", err)
		}
		outcome.Results = results
	}

	return outcome, nil
}

// resolve joins a declared file path with the working directory.
// Absolute paths are taken as-is.
func (s *Subprocess) resolve(path string) string {
	if filepath.IsAbs(path) || s.WorkDir == "" {
		return path
	}
	return filepath.Join(s.WorkDir, path)
}

// sortedEnv renders an env map as sorted KEY=VALUE pairs.
func sortedEnv(env map[string]string) []string {
	pairs := make([]string, 0, len(env))
	for key, value := range env {
		pairs = append(pairs, key+"="+value)
	}
	sort.Strings(pairs)
	return pairs
}

// envName uppercases a matrix axis name for its CONVEYOR_MATRIX_*
// environment variable: "python-version" becomes PYTHON_VERSION.
func envName(axis string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - ('a' - 'A')
		case r >= 'A' && r <= 'Z' || r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, axis)
	return mapped
}
