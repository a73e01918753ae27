// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, directory, name, content string) string {
	t.Helper()
	path := filepath.Join(directory, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

// testConfig writes a config file rooted in a temp directory so runs
// never touch the user's real cache.
func testConfig(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	return writeFile(t, base, "conveyor.yaml", `
paths:
  root: `+base+`
  runs: `+filepath.Join(base, "runs")+`
  retained: `+filepath.Join(base, "retained")+`
  journal: `+filepath.Join(base, "runs.journal")+`
`)
}

func runCommand(t *testing.T, args ...string) (code int, stdout string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	code, runErr := run(args, &out, &errOut)
	return code, out.String(), runErr
}

func TestRunSuccessfulPipeline(t *testing.T) {
	directory := t.TempDir()
	pipeline := writeFile(t, directory, "ci.jsonc", `{
		// Minimal two-stage pipeline.
		"name": "ci",
		"stages": [
			{"name": "test", "run": "true"},
			{"name": "build", "run": "true", "depends_on": ["test"]},
		],
	}`)

	code, stdout, err := runCommand(t,
		"--pipeline", pipeline,
		"--config", testConfig(t),
		"--event", "push", "--ref", "main")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if code != exitSuccess {
		t.Errorf("exit code = %d, want %d", code, exitSuccess)
	}
	if !strings.Contains(stdout, "ci — success") {
		t.Errorf("report missing success headline:\n%s", stdout)
	}
}

func TestRunFailingStageExitsOne(t *testing.T) {
	directory := t.TempDir()
	pipeline := writeFile(t, directory, "ci.jsonc", `{
		"name": "ci",
		"stages": [{"name": "test", "run": "exit 1"}],
	}`)

	code, stdout, err := runCommand(t,
		"--pipeline", pipeline, "--config", testConfig(t))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if code != exitFailure {
		t.Errorf("exit code = %d, want %d", code, exitFailure)
	}
	if !strings.Contains(stdout, "ci — failure") {
		t.Errorf("report missing failure headline:\n%s", stdout)
	}
}

func TestRunCyclicPipelineIsConfigError(t *testing.T) {
	directory := t.TempDir()
	pipeline := writeFile(t, directory, "ci.jsonc", `{
		"name": "ci",
		"stages": [
			{"name": "a", "run": "true", "depends_on": ["b"]},
			{"name": "b", "run": "true", "depends_on": ["a"]},
		],
	}`)

	code, stdout, err := runCommand(t,
		"--pipeline", pipeline, "--config", testConfig(t))
	if code != exitConfigError {
		t.Errorf("exit code = %d, want %d", code, exitConfigError)
	}
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Errorf("error = %v, want a cycle finding", err)
	}
	// Nothing executed, but the report still lists every stage of the
	// rejected definition as skipped.
	if !strings.Contains(stdout, "ci — failure") {
		t.Errorf("report missing failure headline:\n%s", stdout)
	}
	for _, stage := range []string{"a", "b"} {
		if !strings.Contains(stdout, "| "+stage+" |") {
			t.Errorf("report missing stage %q:\n%s", stage, stdout)
		}
	}
	if !strings.Contains(stdout, "skipped") {
		t.Errorf("report missing skipped stages:\n%s", stdout)
	}
}

func TestRunGatedStageSkipped(t *testing.T) {
	directory := t.TempDir()
	pipeline := writeFile(t, directory, "release.jsonc", `{
		"name": "release",
		"stages": [
			{"name": "build", "run": "true"},
			{"name": "publish", "run": "exit 1", "depends_on": ["build"],
			 "gate": {"refs": ["release/*"]}},
		],
	}`)

	// On main the publish gate does not admit, so its failing command
	// never runs and the pipeline succeeds.
	code, stdout, err := runCommand(t,
		"--pipeline", pipeline,
		"--config", testConfig(t),
		"--event", "push", "--ref", "main")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if code != exitSuccess {
		t.Errorf("exit code = %d, want %d", code, exitSuccess)
	}
	if !strings.Contains(stdout, "skipped") {
		t.Errorf("report missing the skipped publish stage:\n%s", stdout)
	}
}

func TestRunJSONOutput(t *testing.T) {
	directory := t.TempDir()
	pipeline := writeFile(t, directory, "ci.jsonc", `{
		"name": "ci",
		"stages": [{"name": "test", "run": "true"}],
	}`)

	code, stdout, err := runCommand(t,
		"--pipeline", pipeline, "--config", testConfig(t), "--json")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if code != exitSuccess {
		t.Errorf("exit code = %d, want %d", code, exitSuccess)
	}
	if !strings.Contains(stdout, `"verdict": "success"`) {
		t.Errorf("JSON report missing verdict:\n%s", stdout)
	}
}

func TestRunVariableFlag(t *testing.T) {
	directory := t.TempDir()
	marker := filepath.Join(directory, "marker.txt")
	pipeline := writeFile(t, directory, "ci.jsonc", `{
		"name": "ci",
		"variables": {"GREETING": {"required": true}},
		"stages": [{"name": "emit", "run": "printf '${GREETING}' > `+marker+`"}],
	}`)

	code, _, err := runCommand(t,
		"--pipeline", pipeline,
		"--config", testConfig(t),
		"--var", "GREETING=hello")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if code != exitSuccess {
		t.Fatalf("exit code = %d, want %d", code, exitSuccess)
	}
	written, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("reading marker: %v", err)
	}
	if string(written) != "hello" {
		t.Errorf("marker = %q, want %q", written, "hello")
	}
}

func TestRunMissingRequiredVariable(t *testing.T) {
	directory := t.TempDir()
	pipeline := writeFile(t, directory, "ci.jsonc", `{
		"name": "ci",
		"variables": {"TOKEN": {"required": true}},
		"stages": [{"name": "emit", "run": "true"}],
	}`)

	code, stdout, err := runCommand(t,
		"--pipeline", pipeline, "--config", testConfig(t))
	if code != exitConfigError {
		t.Errorf("exit code = %d, want %d (error: %v)", code, exitConfigError, err)
	}
	if !strings.Contains(stdout, "| emit |") || !strings.Contains(stdout, "skipped") {
		t.Errorf("report missing the skipped emit stage:\n%s", stdout)
	}
}

func TestRunMissingPipelineFlag(t *testing.T) {
	code, _, err := runCommand(t, "--config", testConfig(t))
	if code != exitConfigError || err == nil {
		t.Errorf("code = %d, err = %v; want a config error", code, err)
	}
}

func TestRunUnknownEvent(t *testing.T) {
	directory := t.TempDir()
	pipeline := writeFile(t, directory, "ci.jsonc", `{
		"name": "ci",
		"stages": [{"name": "test", "run": "true"}],
	}`)
	code, _, err := runCommand(t,
		"--pipeline", pipeline, "--config", testConfig(t), "--event", "cron")
	if code != exitConfigError || err == nil {
		t.Errorf("code = %d, err = %v; want a config error for an unknown event", code, err)
	}
}

func TestVersionFlag(t *testing.T) {
	code, stdout, err := runCommand(t, "--version")
	if err != nil || code != exitSuccess {
		t.Fatalf("code = %d, err = %v", code, err)
	}
	if !strings.Contains(stdout, "0.1.0-dev") {
		t.Errorf("version output = %q", stdout)
	}
}

func TestParseVariableFlags(t *testing.T) {
	variables, err := parseVariableFlags([]string{"A=1", "B=x=y"})
	if err != nil {
		t.Fatalf("parseVariableFlags: %v", err)
	}
	if variables["A"] != "1" || variables["B"] != "x=y" {
		t.Errorf("variables = %v", variables)
	}
	if _, err := parseVariableFlags([]string{"novalue"}); err == nil {
		t.Error("accepted a flag without =")
	}
	if _, err := parseVariableFlags([]string{"=value"}); err == nil {
		t.Error("accepted a flag without a name")
	}
}
