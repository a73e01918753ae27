// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/conveyor-ci/conveyor/lib/artifactstore"
	"github.com/conveyor-ci/conveyor/lib/clock"
	"github.com/conveyor-ci/conveyor/lib/schema"
	"github.com/conveyor-ci/conveyor/lib/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pushContext(ref string) schema.RunContext {
	return schema.RunContext{
		Trigger:        schema.Trigger{Kind: schema.TriggerPush, Ref: ref, Actor: "ci"},
		ConcurrencyKey: "demo@" + ref,
		RunID:          "run-1",
	}
}

func mustGraph(t *testing.T, content *schema.PipelineContent) *Graph {
	t.Helper()
	graph, err := BuildGraph(content)
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	return graph
}

func testStore(t *testing.T) *artifactstore.Store {
	t.Helper()
	base := t.TempDir()
	store, err := artifactstore.Open(filepath.Join(base, "run"), filepath.Join(base, "retained"))
	if err != nil {
		t.Fatalf("artifactstore.Open: %v", err)
	}
	return store
}

// resultFor finds the task result for a stage and cell key.
func resultFor(t *testing.T, result *RunResult, stage, cell string) schema.TaskResult {
	t.Helper()
	for _, taskResult := range result.Results {
		if taskResult.Stage == stage && taskResult.Cell == cell {
			return taskResult
		}
	}
	t.Fatalf("no result for stage %q cell %q in %+v", stage, cell, result.Results)
	return schema.TaskResult{}
}

// succeed is an action that always exits 0 immediately.
var succeed = ActionFunc(func(ctx context.Context, request ExecRequest) (Outcome, error) {
	return Outcome{}, nil
})

func TestRunSingleStage(t *testing.T) {
	t.Parallel()

	graph := mustGraph(t, &schema.PipelineContent{
		Name:   "demo",
		Stages: []schema.StageDefinition{{Name: "build", Run: "true"}},
	})
	runner := &Runner{Action: succeed, Logger: discardLogger()}

	result, err := runner.Run(context.Background(), graph, pushContext("main"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Verdict != schema.VerdictSuccess {
		t.Errorf("Verdict = %s, want success", result.Verdict)
	}
	if got := resultFor(t, result, "build", ""); got.Status != schema.StatusSuccess {
		t.Errorf("build status = %s, want success", got.Status)
	}
}

func TestRunDependencyOrdering(t *testing.T) {
	t.Parallel()

	graph := mustGraph(t, &schema.PipelineContent{
		Name: "demo",
		Stages: []schema.StageDefinition{
			{Name: "test", Run: "true", Matrix: map[string][]string{"os": {"linux", "darwin"}}},
			{Name: "build", Run: "true", DependsOn: []string{"test"}},
			{Name: "publish", Run: "true", DependsOn: []string{"build"}},
		},
	})

	var mu sync.Mutex
	var order []string
	recorder := ActionFunc(func(ctx context.Context, request ExecRequest) (Outcome, error) {
		mu.Lock()
		order = append(order, request.Stage.Name+"["+request.Cell.Key()+"]")
		mu.Unlock()
		return Outcome{}, nil
	})

	runner := &Runner{Action: recorder, Logger: discardLogger(), Concurrency: 4}
	result, err := runner.Run(context.Background(), graph, pushContext("main"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Verdict != schema.VerdictSuccess {
		t.Fatalf("Verdict = %s, want success", result.Verdict)
	}

	position := make(map[string]int, len(order))
	for index, id := range order {
		position[id] = index
	}
	for _, testID := range []string{"test[os=darwin]", "test[os=linux]"} {
		if position[testID] > position["build[]"] {
			t.Errorf("%s ran at %d, after build at %d", testID, position[testID], position["build[]"])
		}
	}
	if position["build[]"] > position["publish[]"] {
		t.Errorf("build ran at %d, after publish at %d", position["build[]"], position["publish[]"])
	}
}

func TestRunFailureSkipsTransitiveDependents(t *testing.T) {
	t.Parallel()

	graph := mustGraph(t, &schema.PipelineContent{
		Name: "demo",
		Stages: []schema.StageDefinition{
			{Name: "lint", Run: "true"},
			{Name: "test", Run: "false"},
			{Name: "build", Run: "true", DependsOn: []string{"test"}},
			{Name: "publish", Run: "true", DependsOn: []string{"build"}},
		},
	})

	failTest := ActionFunc(func(ctx context.Context, request ExecRequest) (Outcome, error) {
		if request.Stage.Name == "test" {
			return Outcome{ExitStatus: 1}, nil
		}
		return Outcome{}, nil
	})

	runner := &Runner{Action: failTest, Logger: discardLogger()}
	result, err := runner.Run(context.Background(), graph, pushContext("main"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Verdict != schema.VerdictFailure {
		t.Errorf("Verdict = %s, want failure", result.Verdict)
	}
	if got := resultFor(t, result, "test", ""); got.Status != schema.StatusFailed || got.ExitStatus != 1 {
		t.Errorf("test = %+v, want failed with exit status 1", got)
	}
	for _, stage := range []string{"build", "publish"} {
		got := resultFor(t, result, stage, "")
		if got.Status != schema.StatusSkipped {
			t.Errorf("%s status = %s, want skipped", stage, got.Status)
		}
		if !strings.Contains(got.Error, "dependency") {
			t.Errorf("%s error = %q, want a dependency reason", stage, got.Error)
		}
	}
	// The independent branch is unaffected by the failure.
	if got := resultFor(t, result, "lint", ""); got.Status != schema.StatusSuccess {
		t.Errorf("lint status = %s, want success", got.Status)
	}
}

func TestRunMatrixCellFailureSkipsDependent(t *testing.T) {
	t.Parallel()

	graph := mustGraph(t, &schema.PipelineContent{
		Name: "demo",
		Stages: []schema.StageDefinition{
			{Name: "test", Run: "true", Matrix: map[string][]string{"os": {"a", "b"}}},
			{Name: "build", Run: "true", DependsOn: []string{"test"}},
		},
	})

	failCellB := ActionFunc(func(ctx context.Context, request ExecRequest) (Outcome, error) {
		if request.Cell.Values["os"] == "b" {
			return Outcome{ExitStatus: 2}, nil
		}
		return Outcome{}, nil
	})

	runner := &Runner{Action: failCellB, Logger: discardLogger()}
	result, err := runner.Run(context.Background(), graph, pushContext("main"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Verdict != schema.VerdictFailure {
		t.Errorf("Verdict = %s, want failure", result.Verdict)
	}
	if got := resultFor(t, result, "test", "os=a"); got.Status != schema.StatusSuccess {
		t.Errorf("test[os=a] status = %s, want success", got.Status)
	}
	if got := resultFor(t, result, "test", "os=b"); got.Status != schema.StatusFailed {
		t.Errorf("test[os=b] status = %s, want failed", got.Status)
	}
	// One failed cell blocks the dependent even though its sibling
	// succeeded.
	if got := resultFor(t, result, "build", ""); got.Status != schema.StatusSkipped {
		t.Errorf("build status = %s, want skipped", got.Status)
	}
}

func TestRunGateSkipDoesNotFailRun(t *testing.T) {
	t.Parallel()

	graph := mustGraph(t, &schema.PipelineContent{
		Name: "demo",
		Stages: []schema.StageDefinition{
			{Name: "test", Run: "true", Matrix: map[string][]string{"os": {"a", "b"}}},
			{Name: "build", Run: "true", DependsOn: []string{"test"}},
			{Name: "publish", Run: "true", DependsOn: []string{"build"},
				Gate: &schema.GateSpec{Refs: []string{"main"}}},
		},
	})

	runner := &Runner{Action: succeed, Logger: discardLogger()}
	result, err := runner.Run(context.Background(), graph, pushContext("feature/x"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := resultFor(t, result, "publish", ""); got.Status != schema.StatusSkipped {
		t.Errorf("publish status = %s, want skipped", got.Status)
	}
	if result.Verdict != schema.VerdictSuccess {
		t.Errorf("Verdict = %s, want success (gate skip is not a failure)", result.Verdict)
	}
}

func TestRunStrictAndRelaxedSkippedDependencies(t *testing.T) {
	t.Parallel()

	graph := mustGraph(t, &schema.PipelineContent{
		Name: "demo",
		Stages: []schema.StageDefinition{
			{Name: "gated", Run: "true", Gate: &schema.GateSpec{Refs: []string{"main"}}},
			{Name: "strict", Run: "true", DependsOn: []string{"gated"}},
			{Name: "relaxed", Run: "true", DependsOn: []string{"gated"}, AllowSkippedDeps: true},
		},
	})

	runner := &Runner{Action: succeed, Logger: discardLogger()}
	result, err := runner.Run(context.Background(), graph, pushContext("feature/x"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := resultFor(t, result, "gated", ""); got.Status != schema.StatusSkipped {
		t.Errorf("gated status = %s, want skipped", got.Status)
	}
	if got := resultFor(t, result, "strict", ""); got.Status != schema.StatusSkipped {
		t.Errorf("strict status = %s, want skipped (skipped dep is not satisfied)", got.Status)
	}
	if got := resultFor(t, result, "relaxed", ""); got.Status != schema.StatusSuccess {
		t.Errorf("relaxed status = %s, want success (allow_skipped_deps)", got.Status)
	}
	if result.Verdict != schema.VerdictSuccess {
		t.Errorf("Verdict = %s, want success", result.Verdict)
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	t.Parallel()

	graph := mustGraph(t, &schema.PipelineContent{
		Name: "demo",
		Stages: []schema.StageDefinition{
			{Name: "test", Run: "true"},
			{Name: "build", Run: "true", DependsOn: []string{"test"}},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := &Runner{Action: succeed, Logger: discardLogger()}
	result, err := runner.Run(ctx, graph, pushContext("main"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Verdict != schema.VerdictCancelled {
		t.Errorf("Verdict = %s, want cancelled", result.Verdict)
	}
	for _, taskResult := range result.Results {
		if taskResult.Status != schema.StatusCancelled {
			t.Errorf("%s status = %s, want cancelled", taskResult.Stage, taskResult.Status)
		}
	}
}

func TestRunSupersededMidFlight(t *testing.T) {
	t.Parallel()

	graph := mustGraph(t, &schema.PipelineContent{
		Name: "demo",
		Stages: []schema.StageDefinition{
			{Name: "slow", Run: "true"},
			{Name: "after", Run: "true", DependsOn: []string{"slow"}},
		},
	})

	started := make(chan struct{})
	blocking := ActionFunc(func(ctx context.Context, request ExecRequest) (Outcome, error) {
		close(started)
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := &Runner{Action: blocking, Logger: discardLogger()}
	done := make(chan *RunResult, 1)
	go func() {
		result, err := runner.Run(ctx, graph, pushContext("main"))
		if err != nil {
			t.Errorf("Run: %v", err)
		}
		done <- result
	}()

	testutil.RequireClosed(t, started, 5*time.Second, "slow task started")
	cancel()

	result := testutil.RequireReceive(t, done, 5*time.Second, "run finished after cancellation")
	if result == nil {
		t.Fatal("run returned no result")
	}
	if got := resultFor(t, result, "slow", ""); got.Status != schema.StatusCancelled {
		t.Errorf("slow status = %s, want cancelled", got.Status)
	}
	if got := resultFor(t, result, "after", ""); got.Status != schema.StatusCancelled {
		t.Errorf("after status = %s, want cancelled", got.Status)
	}
	if result.Verdict != schema.VerdictCancelled {
		t.Errorf("Verdict = %s, want cancelled", result.Verdict)
	}
}

func TestRunTaskDeadlineCancelsTask(t *testing.T) {
	t.Parallel()

	graph := mustGraph(t, &schema.PipelineContent{
		Name: "demo",
		Stages: []schema.StageDefinition{
			{Name: "hang", Run: "true", Timeout: "5m"},
			{Name: "after", Run: "true", DependsOn: []string{"hang"}},
		},
	})

	blocking := ActionFunc(func(ctx context.Context, request ExecRequest) (Outcome, error) {
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	})

	fakeClock := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	runner := &Runner{Action: blocking, Clock: fakeClock, Logger: discardLogger()}

	done := make(chan *RunResult, 1)
	go func() {
		result, err := runner.Run(context.Background(), graph, pushContext("main"))
		if err != nil {
			t.Errorf("Run: %v", err)
		}
		done <- result
	}()

	// Wait for the deadline timer to be armed, then step past it.
	fakeClock.BlockUntilWaiters(1)
	fakeClock.Advance(5 * time.Minute)

	result := testutil.RequireReceive(t, done, 5*time.Second, "run finished after deadline")
	if result == nil {
		t.Fatal("run returned no result")
	}
	hang := resultFor(t, result, "hang", "")
	if hang.Status != schema.StatusCancelled {
		t.Errorf("hang status = %s, want cancelled", hang.Status)
	}
	if !strings.Contains(hang.Error, "deadline exceeded") {
		t.Errorf("hang error = %q, want a deadline message", hang.Error)
	}
	// The run itself was not cancelled, so the dependent is skipped
	// for an unsatisfied dependency rather than cancelled.
	if got := resultFor(t, result, "after", ""); got.Status != schema.StatusSkipped {
		t.Errorf("after status = %s, want skipped", got.Status)
	}
	if result.Verdict != schema.VerdictCancelled {
		t.Errorf("Verdict = %s, want cancelled", result.Verdict)
	}
}

func TestRunPublishesDeclaredOutputs(t *testing.T) {
	t.Parallel()

	graph := mustGraph(t, &schema.PipelineContent{
		Name: "demo",
		Stages: []schema.StageDefinition{
			{Name: "build", Run: "true", Outputs: map[string]string{"wheel": "dist/pkg.whl"}},
		},
	})

	payload := []byte("wheel bytes")
	producing := ActionFunc(func(ctx context.Context, request ExecRequest) (Outcome, error) {
		return Outcome{Artifacts: map[string][]byte{"wheel": payload}}, nil
	})

	store := testStore(t)
	runner := &Runner{Action: producing, Store: store, Logger: discardLogger()}
	result, err := runner.Run(context.Background(), graph, pushContext("main"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	build := resultFor(t, result, "build", "")
	if build.Status != schema.StatusSuccess {
		t.Fatalf("build = %+v, want success", build)
	}
	if digest := build.Artifacts["wheel"]; !strings.HasPrefix(digest, "b3:") {
		t.Errorf("artifact digest = %q, want a b3: ref", digest)
	}

	fetched, err := store.Fetch("build", "", "wheel")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(fetched) != string(payload) {
		t.Errorf("fetched %q, want %q", fetched, payload)
	}
}

func TestRunPublishConflictFailsTask(t *testing.T) {
	t.Parallel()

	graph := mustGraph(t, &schema.PipelineContent{
		Name: "demo",
		Stages: []schema.StageDefinition{
			{Name: "build", Run: "true", Outputs: map[string]string{"wheel": "dist/pkg.whl"}},
		},
	})

	store := testStore(t)
	if _, err := store.Publish("build", "", "wheel", []byte("already here")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	producing := ActionFunc(func(ctx context.Context, request ExecRequest) (Outcome, error) {
		return Outcome{Artifacts: map[string][]byte{"wheel": []byte("new payload")}}, nil
	})

	runner := &Runner{Action: producing, Store: store, Logger: discardLogger()}
	result, err := runner.Run(context.Background(), graph, pushContext("main"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	build := resultFor(t, result, "build", "")
	if build.Status != schema.StatusFailed {
		t.Errorf("build status = %s, want failed on publish conflict", build.Status)
	}
	if !strings.Contains(build.Error, "publishing output") {
		t.Errorf("build error = %q, want a publish failure", build.Error)
	}
	if result.Verdict != schema.VerdictFailure {
		t.Errorf("Verdict = %s, want failure", result.Verdict)
	}
}

func TestRunPromotesAfterSuccessfulRun(t *testing.T) {
	t.Parallel()

	graph := mustGraph(t, &schema.PipelineContent{
		Name: "demo",
		Stages: []schema.StageDefinition{
			{Name: "release", Run: "true",
				Outputs: map[string]string{"bundle": "out/bundle.tar"},
				Promote: []string{"bundle"}},
		},
	})

	payload := []byte("release bundle")
	producing := ActionFunc(func(ctx context.Context, request ExecRequest) (Outcome, error) {
		return Outcome{Artifacts: map[string][]byte{"bundle": payload}}, nil
	})

	store := testStore(t)
	runner := &Runner{Action: producing, Store: store, Logger: discardLogger()}
	result, err := runner.Run(context.Background(), graph, pushContext("main"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Verdict != schema.VerdictSuccess {
		t.Fatalf("Verdict = %s, want success", result.Verdict)
	}

	retained, err := store.FetchRetained("release", "", "bundle")
	if err != nil {
		t.Fatalf("FetchRetained: %v", err)
	}
	if string(retained) != string(payload) {
		t.Errorf("retained %q, want %q", retained, payload)
	}
}

func TestRunNoPromotionOnFailedRun(t *testing.T) {
	t.Parallel()

	graph := mustGraph(t, &schema.PipelineContent{
		Name: "demo",
		Stages: []schema.StageDefinition{
			{Name: "release", Run: "true",
				Outputs: map[string]string{"bundle": "out/bundle.tar"},
				Promote: []string{"bundle"}},
			{Name: "verify", Run: "false"},
		},
	})

	action := ActionFunc(func(ctx context.Context, request ExecRequest) (Outcome, error) {
		if request.Stage.Name == "verify" {
			return Outcome{ExitStatus: 1}, nil
		}
		return Outcome{Artifacts: map[string][]byte{"bundle": []byte("bundle")}}, nil
	})

	store := testStore(t)
	runner := &Runner{Action: action, Store: store, Logger: discardLogger()}
	result, err := runner.Run(context.Background(), graph, pushContext("main"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Verdict != schema.VerdictFailure {
		t.Fatalf("Verdict = %s, want failure", result.Verdict)
	}

	if _, err := store.FetchRetained("release", "", "bundle"); err == nil {
		t.Error("artifact was promoted despite the failed run")
	}
}

func TestRunNoPromotionOnMalformedResults(t *testing.T) {
	t.Parallel()

	graph := mustGraph(t, &schema.PipelineContent{
		Name: "demo",
		Stages: []schema.StageDefinition{
			{Name: "release", Run: "true",
				Results: "results.json",
				Outputs: map[string]string{"bundle": "out/bundle.tar"},
				Promote: []string{"bundle"}},
		},
	})

	// Exit status 0, but the result document is not valid JSON:
	// aggregation will downgrade this task to unparseable and the run
	// to failure, so nothing may be retained.
	action := ActionFunc(func(ctx context.Context, request ExecRequest) (Outcome, error) {
		return Outcome{
			Artifacts: map[string][]byte{"bundle": []byte("bundle")},
			Results:   []byte(`{not json`),
		}, nil
	})

	store := testStore(t)
	runner := &Runner{Action: action, Store: store, Logger: discardLogger()}
	result, err := runner.Run(context.Background(), graph, pushContext("main"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := resultFor(t, result, "release", ""); got.Status != schema.StatusSuccess {
		t.Fatalf("release status = %s, want success (the downgrade is the aggregator's)", got.Status)
	}

	if _, err := store.FetchRetained("release", "", "bundle"); err == nil {
		t.Error("artifact was promoted despite a malformed result document")
	}
}

func TestRunEnvironmentAndExpansion(t *testing.T) {
	t.Parallel()

	graph := mustGraph(t, &schema.PipelineContent{
		Name: "demo",
		Stages: []schema.StageDefinition{
			{Name: "test", Run: "pytest --python ${python}",
				Matrix: map[string][]string{"python": {"3.13"}},
				Env:    map[string]string{"PIP_INDEX": "https://pypi.internal/${python}"}},
		},
	})

	var captured ExecRequest
	var mu sync.Mutex
	capture := ActionFunc(func(ctx context.Context, request ExecRequest) (Outcome, error) {
		mu.Lock()
		captured = request
		mu.Unlock()
		return Outcome{}, nil
	})

	runner := &Runner{Action: capture, Logger: discardLogger()}
	if _, err := runner.Run(context.Background(), graph, pushContext("main")); err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if captured.Stage.Run != "pytest --python 3.13" {
		t.Errorf("expanded Run = %q", captured.Stage.Run)
	}
	want := map[string]string{
		"CONVEYOR_PIPELINE":      "demo",
		"CONVEYOR_STAGE":         "test",
		"CONVEYOR_CELL":          "python=3.13",
		"CONVEYOR_RUN_ID":        "run-1",
		"CONVEYOR_EVENT":         "push",
		"CONVEYOR_REF":           "main",
		"CONVEYOR_ACTOR":         "ci",
		"CONVEYOR_MATRIX_PYTHON": "3.13",
		"PIP_INDEX":              "https://pypi.internal/3.13",
	}
	for key, value := range want {
		if captured.Env[key] != value {
			t.Errorf("Env[%s] = %q, want %q", key, captured.Env[key], value)
		}
	}
}

func TestRunCapturesResultsDocument(t *testing.T) {
	t.Parallel()

	graph := mustGraph(t, &schema.PipelineContent{
		Name: "demo",
		Stages: []schema.StageDefinition{
			{Name: "test", Run: "true", Results: "results.json"},
		},
	})

	document := []byte(`{"passed": 10, "failed": 0, "errors": 0}`)
	reporting := ActionFunc(func(ctx context.Context, request ExecRequest) (Outcome, error) {
		return Outcome{Results: document}, nil
	})

	runner := &Runner{Action: reporting, Logger: discardLogger()}
	result, err := runner.Run(context.Background(), graph, pushContext("main"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := resultFor(t, result, "test", ""); string(got.Results) != string(document) {
		t.Errorf("Results = %s, want the captured document", got.Results)
	}
}

func TestRunRequiresAction(t *testing.T) {
	t.Parallel()

	graph := mustGraph(t, &schema.PipelineContent{
		Name:   "demo",
		Stages: []schema.StageDefinition{{Name: "build", Run: "true"}},
	})
	runner := &Runner{}
	if _, err := runner.Run(context.Background(), graph, pushContext("main")); err == nil {
		t.Error("Run accepted a runner without an action")
	}
}
