// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/conveyor-ci/conveyor/lib/artifactstore"
	"github.com/conveyor-ci/conveyor/lib/config"
	"github.com/conveyor-ci/conveyor/lib/coordinator"
	"github.com/conveyor-ci/conveyor/lib/pipelinedef"
	"github.com/conveyor-ci/conveyor/lib/report"
	"github.com/conveyor-ci/conveyor/lib/scheduler"
	"github.com/conveyor-ci/conveyor/lib/schema"
	"github.com/conveyor-ci/conveyor/lib/version"
)

// Exit statuses (see doc.go).
const (
	exitSuccess     = 0
	exitFailure     = 1
	exitConfigError = 2
	exitCancelled   = 3
)

func main() {
	code, err := run(os.Args[1:], os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "conveyor-run: %v\n", err)
	}
	os.Exit(code)
}

// options are the parsed command-line flags.
type options struct {
	pipelinePath   string
	configPath     string
	event          string
	ref            string
	actor          string
	concurrencyKey string
	variables      []string
	jsonOutput     bool
	showVersion    bool
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	opts := &options{}
	flagSet := pflag.NewFlagSet("conveyor-run", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&opts.pipelinePath, "pipeline", "", "path to the pipeline definition (JSONC)")
	flagSet.StringVar(&opts.configPath, "config", "", "path to the config file (default: $CONVEYOR_CONFIG, else built-in defaults)")
	flagSet.StringVar(&opts.event, "event", "manual", "trigger event kind: manual, push, pull_request")
	flagSet.StringVar(&opts.ref, "ref", "main", "branch or tag ref the run executes against")
	flagSet.StringVar(&opts.actor, "actor", "", "user or system that initiated the run")
	flagSet.StringVar(&opts.concurrencyKey, "concurrency-key", "", "override the default <pipeline>@<ref> concurrency key")
	flagSet.StringArrayVar(&opts.variables, "var", nil, "pipeline variable NAME=VALUE (repeatable)")
	flagSet.BoolVar(&opts.jsonOutput, "json", false, "print the report as JSON regardless of the configured format")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version and exit")

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if extra := flagSet.Args(); len(extra) > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(extra, " "))
	}
	return opts, nil
}

func run(args []string, stdout, stderr io.Writer) (int, error) {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitSuccess, nil
		}
		return exitConfigError, err
	}
	if opts.showVersion {
		fmt.Fprintln(stdout, version.Info())
		return exitSuccess, nil
	}
	if opts.pipelinePath == "" {
		return exitConfigError, fmt.Errorf("--pipeline is required")
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return exitConfigError, err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return exitConfigError, err
	}

	logger := slog.New(slog.NewTextHandler(stderr, nil))

	trigger := schema.Trigger{
		Kind:  schema.TriggerKind(opts.event),
		Ref:   opts.ref,
		Actor: opts.actor,
	}
	if !schema.ValidTriggerKind(trigger.Kind) {
		return exitConfigError, fmt.Errorf("unknown event kind %q (want manual, push, or pull_request)", opts.event)
	}

	content, err := pipelinedef.ReadFile(opts.pipelinePath)
	if err != nil {
		return exitConfigError, err
	}

	payload, err := parseVariableFlags(opts.variables)
	if err != nil {
		return exitConfigError, err
	}
	variables, err := pipelinedef.ResolveVariables(content.Variables, payload, os.Getenv)
	if err != nil {
		printAbortedReport(stdout, stderr, cfg, opts, content, trigger)
		return exitConfigError, err
	}

	// BuildGraph validates the definition; a ConfigError here means
	// nothing has executed and nothing will. The report still lists
	// every stage, all skipped.
	graph, err := scheduler.BuildGraph(content)
	if err != nil {
		printAbortedReport(stdout, stderr, cfg, opts, content, trigger)
		return exitConfigError, err
	}

	startedAt := time.Now()
	runContext := schema.RunContext{
		Trigger:        trigger,
		ConcurrencyKey: opts.concurrencyKey,
		RunID:          newRunID(content.Name, startedAt),
		StartedAt:      startedAt,
	}
	if runContext.ConcurrencyKey == "" {
		runContext.ConcurrencyKey = schema.DefaultConcurrencyKey(content.Name, trigger)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	journal, err := coordinator.OpenJournal(cfg.Paths.Journal)
	if err != nil {
		return exitConfigError, err
	}
	defer journal.Close()

	registry := coordinator.NewRegistry(
		coordinator.WithLogger(logger),
		coordinator.WithJournal(journal),
	)
	if _, err := registry.Admit(runContext, cancel); err != nil {
		return exitConfigError, err
	}

	store, err := artifactstore.Open(cfg.RunDir(runContext.RunID), cfg.Paths.Retained)
	if err != nil {
		return exitConfigError, fmt.Errorf("opening artifact store: %w", err)
	}

	runner := &scheduler.Runner{
		Action: &scheduler.Subprocess{
			WorkDir: cfg.Runner.WorkDir,
			Shell:   cfg.Runner.Shell,
			Logger:  logger,
		},
		Store:          store,
		Logger:         logger,
		Concurrency:    cfg.Runner.Concurrency,
		DefaultTimeout: cfg.DefaultTimeout(),
		Variables:      variables,
	}

	result, runErr := runner.Run(ctx, graph, runContext)
	if result == nil {
		registry.Complete(runContext.RunID, schema.VerdictFailure)
		return exitFailure, runErr
	}

	reportContent := report.Aggregate(report.Input{
		Pipeline:   content,
		RunContext: runContext,
		Results:    result.Results,
		StartedAt:  result.StartedAt,
		Duration:   result.Duration,
	})
	registry.Complete(runContext.RunID, reportContent.Verdict)

	if err := printReport(stdout, cfg, opts, reportContent); err != nil {
		return exitFailure, err
	}

	// A promotion failure surfaces as runErr with a result attached;
	// the report is printed but the run did not fully succeed.
	if runErr != nil {
		return exitFailure, runErr
	}
	switch reportContent.Verdict {
	case schema.VerdictSuccess:
		return exitSuccess, nil
	case schema.VerdictCancelled:
		return exitCancelled, nil
	default:
		return exitFailure, nil
	}
}

// printAbortedReport emits the report for a run a configuration error
// stopped after the definition was parsed but before anything
// executed: every stage appears as skipped. Best effort — the
// configuration error itself is what the command exits with.
func printAbortedReport(stdout, stderr io.Writer, cfg *config.Config, opts *options, content *schema.PipelineContent, trigger schema.Trigger) {
	startedAt := time.Now()
	aborted := report.Aborted(report.Input{
		Pipeline: content,
		RunContext: schema.RunContext{
			Trigger:   trigger,
			RunID:     newRunID(content.Name, startedAt),
			StartedAt: startedAt,
		},
		StartedAt: startedAt,
	})
	if err := printReport(stdout, cfg, opts, aborted); err != nil {
		fmt.Fprintf(stderr, "conveyor-run: %v\n", err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseVariableFlags turns repeated --var NAME=VALUE flags into a map.
func parseVariableFlags(flags []string) (map[string]string, error) {
	variables := make(map[string]string, len(flags))
	for _, flag := range flags {
		name, value, found := strings.Cut(flag, "=")
		if !found || name == "" {
			return nil, fmt.Errorf("malformed --var %q (want NAME=VALUE)", flag)
		}
		variables[name] = value
	}
	return variables, nil
}

// newRunID builds a unique, sortable run identifier from the pipeline
// name and admission time.
func newRunID(pipelineName string, startedAt time.Time) string {
	return fmt.Sprintf("%s-%s-%06d", pipelineName,
		startedAt.UTC().Format("20060102-150405"), startedAt.Nanosecond()/1000)
}

func printReport(stdout io.Writer, cfg *config.Config, opts *options, content *schema.ReportContent) error {
	format := cfg.Report.Format
	if opts.jsonOutput {
		format = "json"
	}
	switch format {
	case "json":
		encoded, err := json.MarshalIndent(content, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding report: %w", err)
		}
		fmt.Fprintln(stdout, string(encoded))
	case "html":
		rendered, err := report.HTML(content)
		if err != nil {
			return err
		}
		fmt.Fprint(stdout, rendered)
	default:
		fmt.Fprint(stdout, report.Markdown(content))
	}
	return nil
}
