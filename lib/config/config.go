// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Conveyor
// components.
//
// Configuration is loaded from a single file specified by:
//   - CONVEYOR_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery beyond the built-in
// defaults. This ensures deterministic, auditable configuration with
// no hidden overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for Conveyor.
type Config struct {
	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Runner configures task execution.
	Runner RunnerConfig `yaml:"runner"`

	// Report configures run report rendering.
	Report ReportConfig `yaml:"report"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for Conveyor data. Per-run state
	// lives under Root unless overridden below.
	Root string `yaml:"root"`

	// Runs is where per-run artifact stores are created, one
	// subdirectory per run ID.
	Runs string `yaml:"runs"`

	// Retained is the cross-run retained artifact store (promoted
	// release artifacts).
	Retained string `yaml:"retained"`

	// Journal is the run coordination journal file.
	Journal string `yaml:"journal"`
}

// RunnerConfig configures task execution.
type RunnerConfig struct {
	// Concurrency bounds how many tasks execute at once.
	// Default: 4
	Concurrency int `yaml:"concurrency"`

	// DefaultTimeout bounds tasks whose stage declares no timeout
	// (time.ParseDuration format). Empty means no default deadline.
	DefaultTimeout string `yaml:"default_timeout"`

	// Shell is the interpreter argv prefix for stage run commands.
	// Default: [/bin/sh, -c]
	Shell []string `yaml:"shell"`

	// WorkDir is the working directory stage commands run in.
	// Default: the process's current directory.
	WorkDir string `yaml:"work_dir"`
}

// ReportConfig configures run report rendering.
type ReportConfig struct {
	// Format selects the report output format: "markdown", "html",
	// or "json".
	// Default: markdown
	Format string `yaml:"format"`
}

// Default returns the default configuration. These defaults are a
// complete working setup: unlike most Conveyor inputs, the config
// file is optional.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "conveyor")

	return &Config{
		Paths: PathsConfig{
			Root:     defaultRoot,
			Runs:     filepath.Join(defaultRoot, "runs"),
			Retained: filepath.Join(defaultRoot, "retained"),
			Journal:  filepath.Join(defaultRoot, "runs.journal"),
		},
		Runner: RunnerConfig{
			Concurrency: 4,
			Shell:       []string{"/bin/sh", "-c"},
		},
		Report: ReportConfig{
			Format: "markdown",
		},
	}
}

// Load loads configuration from the CONVEYOR_CONFIG environment
// variable, falling back to defaults when it is unset.
func Load() (*Config, error) {
	configPath := os.Getenv("CONVEYOR_CONFIG")
	if configPath == "" {
		cfg := Default()
		cfg.expandVariables()
		return cfg, nil
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merged over
// the defaults.
//
// The config file is the single source of truth. Environment
// variables do not override config values; the only expansion
// performed is ${VAR} substitution in paths for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"CONVEYOR_ROOT": c.Paths.Root,
		"HOME":          os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["CONVEYOR_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.Runs = expandVars(c.Paths.Runs, vars)
	c.Paths.Retained = expandVars(c.Paths.Retained, vars)
	c.Paths.Journal = expandVars(c.Paths.Journal, vars)
	c.Runner.WorkDir = expandVars(c.Runner.WorkDir, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Paths.Runs == "" {
		errs = append(errs, fmt.Errorf("paths.runs is required"))
	}
	if c.Paths.Retained == "" {
		errs = append(errs, fmt.Errorf("paths.retained is required"))
	}

	if c.Runner.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("runner.concurrency must be at least 1"))
	}
	if c.Runner.DefaultTimeout != "" {
		if _, err := time.ParseDuration(c.Runner.DefaultTimeout); err != nil {
			errs = append(errs, fmt.Errorf("runner.default_timeout: %v", err))
		}
	}
	if len(c.Runner.Shell) == 0 {
		errs = append(errs, fmt.Errorf("runner.shell is required"))
	}

	switch c.Report.Format {
	case "markdown", "html", "json":
	default:
		errs = append(errs, fmt.Errorf("report.format must be one of: markdown, html, json"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// DefaultTimeout returns the parsed default task timeout, zero when
// none is configured. Call Validate first; a malformed value parses
// as zero here.
func (c *Config) DefaultTimeout() time.Duration {
	if c.Runner.DefaultTimeout == "" {
		return 0
	}
	duration, err := time.ParseDuration(c.Runner.DefaultTimeout)
	if err != nil {
		return 0
	}
	return duration
}

// RunDir returns the artifact store directory for a run.
func (c *Config) RunDir(runID string) string {
	return filepath.Join(c.Paths.Runs, runID)
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.Root,
		c.Paths.Runs,
		c.Paths.Retained,
		filepath.Dir(c.Paths.Journal),
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}
