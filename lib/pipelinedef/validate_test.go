// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package pipelinedef

import (
	"strings"
	"testing"

	"github.com/conveyor-ci/conveyor/lib/schema"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		content        *schema.PipelineContent
		expectedIssues int
		wantSubstrings []string
	}{
		{
			name: "valid single stage",
			content: &schema.PipelineContent{
				Stages: []schema.StageDefinition{
					{Name: "test", Run: "make test"},
				},
			},
			expectedIssues: 0,
		},
		{
			name: "valid release pipeline",
			content: &schema.PipelineContent{
				Name:        "release",
				Description: "Test, build, and release",
				Stages: []schema.StageDefinition{
					{
						Name:   "test",
						Run:    "make test",
						Matrix: map[string][]string{"os": {"linux", "darwin"}},
					},
					{
						Name:      "build",
						Run:       "make build",
						DependsOn: []string{"test"},
						Outputs:   map[string]string{"package": "dist/package.tar.gz"},
						Promote:   []string{"package"},
					},
					{
						Name:      "publish",
						Run:       "make publish",
						DependsOn: []string{"build"},
						Gate: &schema.GateSpec{
							NotEvents: []schema.TriggerKind{schema.TriggerPullRequest},
							Refs:      []string{"main", "release/*"},
						},
						Timeout: "10m",
					},
				},
			},
			expectedIssues: 0,
		},
		{
			name:           "no stages",
			content:        &schema.PipelineContent{},
			expectedIssues: 1,
			wantSubstrings: []string{"no stages"},
		},
		{
			name: "missing name and run",
			content: &schema.PipelineContent{
				Stages: []schema.StageDefinition{{}},
			},
			expectedIssues: 2,
			wantSubstrings: []string{"name is required", "run is required"},
		},
		{
			name: "duplicate stage name",
			content: &schema.PipelineContent{
				Stages: []schema.StageDefinition{
					{Name: "test", Run: "make test"},
					{Name: "test", Run: "make test-again"},
				},
			},
			expectedIssues: 1,
			wantSubstrings: []string{"duplicate stage name"},
		},
		{
			name: "dangling dependency",
			content: &schema.PipelineContent{
				Stages: []schema.StageDefinition{
					{Name: "build", Run: "make", DependsOn: []string{"missing"}},
				},
			},
			expectedIssues: 1,
			wantSubstrings: []string{`unknown stage "missing"`},
		},
		{
			name: "self dependency",
			content: &schema.PipelineContent{
				Stages: []schema.StageDefinition{
					{Name: "build", Run: "make", DependsOn: []string{"build"}},
				},
			},
			expectedIssues: 1,
			wantSubstrings: []string{"references the stage itself"},
		},
		{
			name: "duplicate dependency entry",
			content: &schema.PipelineContent{
				Stages: []schema.StageDefinition{
					{Name: "test", Run: "make test"},
					{Name: "build", Run: "make", DependsOn: []string{"test", "test"}},
				},
			},
			expectedIssues: 1,
			wantSubstrings: []string{`duplicate depends_on entry "test"`},
		},
		{
			name: "two stage cycle",
			content: &schema.PipelineContent{
				Stages: []schema.StageDefinition{
					{Name: "a", Run: "true", DependsOn: []string{"b"}},
					{Name: "b", Run: "true", DependsOn: []string{"a"}},
				},
			},
			expectedIssues: 1,
			wantSubstrings: []string{"dependency cycle"},
		},
		{
			name: "three stage cycle reports path",
			content: &schema.PipelineContent{
				Stages: []schema.StageDefinition{
					{Name: "a", Run: "true", DependsOn: []string{"c"}},
					{Name: "b", Run: "true", DependsOn: []string{"a"}},
					{Name: "c", Run: "true", DependsOn: []string{"b"}},
				},
			},
			expectedIssues: 1,
			wantSubstrings: []string{"dependency cycle", "->"},
		},
		{
			name: "empty matrix axis",
			content: &schema.PipelineContent{
				Stages: []schema.StageDefinition{
					{Name: "test", Run: "make", Matrix: map[string][]string{"os": {}}},
				},
			},
			expectedIssues: 1,
			wantSubstrings: []string{`matrix axis "os" has no values`},
		},
		{
			name: "duplicate matrix value",
			content: &schema.PipelineContent{
				Stages: []schema.StageDefinition{
					{Name: "test", Run: "make", Matrix: map[string][]string{"os": {"linux", "linux"}}},
				},
			},
			expectedIssues: 1,
			wantSubstrings: []string{`duplicate value "linux"`},
		},
		{
			name: "unknown gate event",
			content: &schema.PipelineContent{
				Stages: []schema.StageDefinition{
					{
						Name: "publish",
						Run:  "make publish",
						Gate: &schema.GateSpec{Events: []schema.TriggerKind{"merge_group"}},
					},
				},
			},
			expectedIssues: 1,
			wantSubstrings: []string{`unknown trigger kind "merge_group"`},
		},
		{
			name: "malformed ref pattern",
			content: &schema.PipelineContent{
				Stages: []schema.StageDefinition{
					{
						Name: "publish",
						Run:  "make publish",
						Gate: &schema.GateSpec{Refs: []string{"release*"}},
					},
				},
			},
			expectedIssues: 1,
			wantSubstrings: []string{"invalid ref pattern"},
		},
		{
			name: "bare wildcard ref is valid",
			content: &schema.PipelineContent{
				Stages: []schema.StageDefinition{
					{
						Name: "notify",
						Run:  "true",
						Gate: &schema.GateSpec{Refs: []string{"*"}},
					},
				},
			},
			expectedIssues: 0,
		},
		{
			name: "invalid timeout",
			content: &schema.PipelineContent{
				Stages: []schema.StageDefinition{
					{Name: "test", Run: "make", Timeout: "ten minutes"},
				},
			},
			expectedIssues: 1,
			wantSubstrings: []string{"invalid timeout"},
		},
		{
			name: "promote references undeclared output",
			content: &schema.PipelineContent{
				Stages: []schema.StageDefinition{
					{Name: "build", Run: "make", Promote: []string{"package"}},
				},
			},
			expectedIssues: 1,
			wantSubstrings: []string{`promote references undeclared output "package"`},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			issues := Validate(test.content)
			if len(issues) != test.expectedIssues {
				t.Errorf("got %d issues, want %d:\n  %s",
					len(issues), test.expectedIssues, strings.Join(issues, "\n  "))
			}
			joined := strings.Join(issues, "\n")
			for _, want := range test.wantSubstrings {
				if !strings.Contains(joined, want) {
					t.Errorf("issues missing %q:\n  %s", want, joined)
				}
			}
		})
	}
}

func TestValidateCycleReportedOnce(t *testing.T) {
	t.Parallel()

	// A diamond on top of a cycle must not multiply the cycle report.
	content := &schema.PipelineContent{
		Stages: []schema.StageDefinition{
			{Name: "a", Run: "true", DependsOn: []string{"b"}},
			{Name: "b", Run: "true", DependsOn: []string{"a"}},
			{Name: "left", Run: "true", DependsOn: []string{"a"}},
			{Name: "right", Run: "true", DependsOn: []string{"a"}},
		},
	}

	issues := Validate(content)
	cycleCount := 0
	for _, issue := range issues {
		if strings.Contains(issue, "dependency cycle") {
			cycleCount++
		}
	}
	if cycleCount != 1 {
		t.Errorf("got %d cycle reports, want 1:\n  %s", cycleCount, strings.Join(issues, "\n  "))
	}
}
