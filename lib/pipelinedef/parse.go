// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipelinedef provides parsing, validation, and variable
// expansion for Conveyor pipeline definitions. A pipeline is a
// directed acyclic graph of named stages, each with an optional
// execution matrix and an optional gate.
//
// Pipeline definitions are authored on disk as JSONC files (JSON
// extended with comments and trailing commas).
//
// The typical flow:
//
//  1. ReadFile or Parse: JSONC bytes → schema.PipelineContent
//  2. Validate: structural checks (unique names, acyclic dependencies,
//     well-formed matrices and gates)
//  3. ResolveVariables: merge declarations + payload + environment
//  4. ExpandStage: substitute ${NAME} references before execution
package pipelinedef

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/conveyor-ci/conveyor/lib/schema"
)

// Parse strips JSONC comments and trailing commas from data, then
// unmarshals the result into a PipelineContent.
func Parse(data []byte) (*schema.PipelineContent, error) {
	stripped := jsonc.ToJSON(data)

	var content schema.PipelineContent
	if err := json.Unmarshal(stripped, &content); err != nil {
		return nil, fmt.Errorf("parsing pipeline: %w", err)
	}

	return &content, nil
}

// ReadFile reads a JSONC pipeline file from disk and parses it into a
// PipelineContent. When the definition has no explicit name, the file
// name (minus extension) is used.
func ReadFile(path string) (*schema.PipelineContent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	content, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if content.Name == "" {
		content.Name = NameFromPath(path)
	}

	return content, nil
}

// NameFromPath extracts a pipeline name from a file path by stripping
// the directory prefix and the file extension. For example,
// "examples/release.jsonc" returns "release".
func NameFromPath(path string) string {
	base := filepath.Base(path)
	extension := filepath.Ext(base)
	return strings.TrimSuffix(base, extension)
}
