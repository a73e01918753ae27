// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/conveyor-ci/conveyor/lib/codec"
)

// FileJournal persists record transitions as an append-only stream of
// deterministic CBOR items. Each Admit, supersede, and Complete
// appends one item, so replaying the file reconstructs the full
// lifecycle of every run.
type FileJournal struct {
	mu      sync.Mutex
	file    *os.File
	encoder *codec.Encoder
}

// OpenJournal opens (creating or appending) the journal file at path.
func OpenJournal(path string) (*FileJournal, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening run journal %s: %w", path, err)
	}
	return &FileJournal{file: file, encoder: codec.NewEncoder(file)}, nil
}

// Record appends one record transition.
func (journal *FileJournal) Record(record RunRecord) error {
	journal.mu.Lock()
	defer journal.mu.Unlock()
	if err := journal.encoder.Encode(record); err != nil {
		return fmt.Errorf("appending run record: %w", err)
	}
	return nil
}

// Close flushes and closes the journal file.
func (journal *FileJournal) Close() error {
	journal.mu.Lock()
	defer journal.mu.Unlock()
	return journal.file.Close()
}

// ReadJournal replays a journal file and returns every record
// transition in append order. Used by tests and by operators
// inspecting a run history.
func ReadJournal(path string) ([]RunRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening run journal %s: %w", path, err)
	}
	defer file.Close()

	decoder := codec.NewDecoder(file)
	var records []RunRecord
	for {
		var record RunRecord
		if err := decoder.Decode(&record); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("replaying run journal %s: %w", path, err)
		}
		records = append(records, record)
	}
	return records, nil
}
