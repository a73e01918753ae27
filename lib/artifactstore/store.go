// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package artifactstore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/conveyor-ci/conveyor/lib/codec"
)

// ErrConflict is returned by Publish when the (stage, cell, name) key
// already holds an artifact. Write-once keys never change.
var ErrConflict = errors.New("artifact already published")

// ErrNotFound is returned by Fetch and Promote for keys with no
// published artifact.
var ErrNotFound = errors.New("artifact not found")

// indexEntry is the persisted record for one published artifact.
type indexEntry struct {
	// Digest is the hex BLAKE3 payload digest (without the "b3:"
	// prefix). Also the object file name.
	Digest string `json:"digest"`

	// Size is the uncompressed payload size in bytes.
	Size int64 `json:"size"`

	// Compression is the algorithm the object file is stored with.
	Compression CompressionTag `json:"compression"`
}

// Store is a write-once artifact store over two directories: the run
// namespace (scoped to one run) and the retained namespace (survives
// runs, fed by Promote). Object files are content-addressed; the key
// index is a CBOR file per namespace.
//
// Store is safe for concurrent use. Publications serialize on a
// mutex; reads of already-published artifacts hit immutable files.
type Store struct {
	mu sync.Mutex

	runDir      string
	retainedDir string

	// index maps storeKey → entry for the run namespace.
	index map[string]indexEntry

	// retained maps storeKey → entry for the retained namespace.
	retained map[string]indexEntry
}

// Open creates (or reopens) a store. runDir holds this run's
// artifacts; retainedDir is the cross-run promotion target and may be
// shared by many runs. Both directories are created as needed, and
// existing indexes are loaded so write-once holds across reopens.
func Open(runDir, retainedDir string) (*Store, error) {
	store := &Store{
		runDir:      runDir,
		retainedDir: retainedDir,
		index:       map[string]indexEntry{},
		retained:    map[string]indexEntry{},
	}

	for _, directory := range []string{runDir, retainedDir} {
		if err := os.MkdirAll(filepath.Join(directory, "objects"), 0o755); err != nil {
			return nil, fmt.Errorf("creating artifact directory: %w", err)
		}
	}

	if err := loadIndex(indexPath(runDir), store.index); err != nil {
		return nil, err
	}
	if err := loadIndex(indexPath(retainedDir), store.retained); err != nil {
		return nil, err
	}

	return store, nil
}

// Publish stores payload under (stage, cell, name). The key is
// write-once: a second publish for the same key fails with
// ErrConflict, even for identical payloads — a republish always
// indicates a task identity bug.
func (store *Store) Publish(stage, cell, name string, payload []byte) (Ref, error) {
	hash := HashPayload(payload)
	entry := indexEntry{
		Digest: hex.EncodeToString(hash[:]),
		Size:   int64(len(payload)),
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	key := storeKey(stage, cell, name)
	if _, exists := store.index[key]; exists {
		return Ref{}, fmt.Errorf("publishing %s/%s/%s: %w", stage, cell, name, ErrConflict)
	}

	tag, stored := compress(payload)
	entry.Compression = tag

	if err := writeObject(store.runDir, entry.Digest, stored); err != nil {
		return Ref{}, fmt.Errorf("publishing %s/%s/%s: %w", stage, cell, name, err)
	}

	store.index[key] = entry
	if err := saveIndex(indexPath(store.runDir), store.index); err != nil {
		return Ref{}, fmt.Errorf("publishing %s/%s/%s: %w", stage, cell, name, err)
	}

	return Ref{
		Stage:  stage,
		Cell:   cell,
		Name:   name,
		Digest: hash.String(),
		Size:   entry.Size,
	}, nil
}

// Fetch returns the payload published under (stage, cell, name) in
// the run namespace, verifying its digest on the way out. Returns
// ErrNotFound for unpublished keys.
func (store *Store) Fetch(stage, cell, name string) ([]byte, error) {
	store.mu.Lock()
	entry, exists := store.index[storeKey(stage, cell, name)]
	store.mu.Unlock()

	if !exists {
		return nil, fmt.Errorf("fetching %s/%s/%s: %w", stage, cell, name, ErrNotFound)
	}
	return store.readObject(store.runDir, entry)
}

// FetchStage returns the matrix-merged artifact set for a stage: the
// payloads published under name by every cell of the stage, keyed by
// cell key. Returns ErrNotFound when no cell published the name.
func (store *Store) FetchStage(stage, name string) (map[string][]byte, error) {
	store.mu.Lock()
	entries := map[string]indexEntry{}
	for _, cell := range store.cellsLocked(stage, name) {
		entries[cell] = store.index[storeKey(stage, cell, name)]
	}
	store.mu.Unlock()

	if len(entries) == 0 {
		return nil, fmt.Errorf("fetching %s/*/%s: %w", stage, name, ErrNotFound)
	}

	merged := make(map[string][]byte, len(entries))
	for cell, entry := range entries {
		payload, err := store.readObject(store.runDir, entry)
		if err != nil {
			return nil, fmt.Errorf("cell %q: %w", cell, err)
		}
		merged[cell] = payload
	}
	return merged, nil
}

// FetchRetained returns the payload published under (stage, cell,
// name) in the retained namespace.
func (store *Store) FetchRetained(stage, cell, name string) ([]byte, error) {
	store.mu.Lock()
	entry, exists := store.retained[storeKey(stage, cell, name)]
	store.mu.Unlock()

	if !exists {
		return nil, fmt.Errorf("fetching retained %s/%s/%s: %w", stage, cell, name, ErrNotFound)
	}
	return store.readObject(store.retainedDir, entry)
}

// Promote copies a run-scoped artifact into the retained namespace.
// The retained namespace is also write-once; promoting a key that is
// already retained fails with ErrConflict.
func (store *Store) Promote(stage, cell, name string) (Ref, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	key := storeKey(stage, cell, name)
	entry, exists := store.index[key]
	if !exists {
		return Ref{}, fmt.Errorf("promoting %s/%s/%s: %w", stage, cell, name, ErrNotFound)
	}
	if _, retained := store.retained[key]; retained {
		return Ref{}, fmt.Errorf("promoting %s/%s/%s: %w", stage, cell, name, ErrConflict)
	}

	stored, err := os.ReadFile(objectPath(store.runDir, entry.Digest))
	if err != nil {
		return Ref{}, fmt.Errorf("promoting %s/%s/%s: %w", stage, cell, name, err)
	}
	if err := writeObject(store.retainedDir, entry.Digest, stored); err != nil {
		return Ref{}, fmt.Errorf("promoting %s/%s/%s: %w", stage, cell, name, err)
	}

	store.retained[key] = entry
	if err := saveIndex(indexPath(store.retainedDir), store.retained); err != nil {
		return Ref{}, fmt.Errorf("promoting %s/%s/%s: %w", stage, cell, name, err)
	}

	return Ref{
		Stage:  stage,
		Cell:   cell,
		Name:   name,
		Digest: "b3:" + entry.Digest,
		Size:   entry.Size,
	}, nil
}

// cellsLocked returns the cell keys that published name for stage.
// Caller holds store.mu.
func (store *Store) cellsLocked(stage, name string) []string {
	var cells []string
	for key := range store.index {
		keyStage, cell, keyName, ok := splitStoreKey(key)
		if ok && keyStage == stage && keyName == name {
			cells = append(cells, cell)
		}
	}
	return cells
}

// readObject loads, decompresses, and digest-verifies one object.
func (store *Store) readObject(directory string, entry indexEntry) ([]byte, error) {
	stored, err := os.ReadFile(objectPath(directory, entry.Digest))
	if err != nil {
		return nil, fmt.Errorf("reading artifact object: %w", err)
	}

	payload, err := decompress(entry.Compression, stored, entry.Size)
	if err != nil {
		return nil, err
	}

	hash := HashPayload(payload)
	if hex.EncodeToString(hash[:]) != entry.Digest {
		return nil, fmt.Errorf("artifact object %s is corrupt (digest mismatch)", entry.Digest)
	}
	return payload, nil
}

// --- On-disk layout helpers ---

func indexPath(directory string) string {
	return filepath.Join(directory, "index.cbor")
}

func objectPath(directory, digest string) string {
	return filepath.Join(directory, "objects", digest)
}

// writeObject stores bytes at the object path for digest. Object
// files are content-addressed, so an existing file already holds the
// same bytes and is left alone.
func writeObject(directory, digest string, stored []byte) error {
	path := objectPath(directory, digest)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	temporary := path + ".tmp"
	if err := os.WriteFile(temporary, stored, 0o644); err != nil {
		return fmt.Errorf("writing artifact object: %w", err)
	}
	if err := os.Rename(temporary, path); err != nil {
		return fmt.Errorf("placing artifact object: %w", err)
	}
	return nil
}

// loadIndex reads a CBOR index file into the given map. A missing
// file is an empty index, not an error.
func loadIndex(path string, index map[string]indexEntry) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading artifact index %s: %w", path, err)
	}
	var decoded map[string]indexEntry
	if err := codec.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("parsing artifact index %s: %w", path, err)
	}
	for key, entry := range decoded {
		index[key] = entry
	}
	return nil
}

// saveIndex writes the index map as deterministic CBOR, atomically
// via rename.
func saveIndex(path string, index map[string]indexEntry) error {
	data, err := codec.Marshal(index)
	if err != nil {
		return fmt.Errorf("encoding artifact index: %w", err)
	}
	temporary := path + ".tmp"
	if err := os.WriteFile(temporary, data, 0o644); err != nil {
		return fmt.Errorf("writing artifact index: %w", err)
	}
	if err := os.Rename(temporary, path); err != nil {
		return fmt.Errorf("placing artifact index: %w", err)
	}
	return nil
}

// splitStoreKey reverses storeKey. ok is false for malformed keys,
// which indicates index corruption.
func splitStoreKey(key string) (stage, cell, name string, ok bool) {
	first := -1
	second := -1
	for index := 0; index < len(key); index++ {
		if key[index] == '\x1f' {
			if first < 0 {
				first = index
			} else {
				second = index
				break
			}
		}
	}
	if first < 0 || second < 0 {
		return "", "", "", false
	}
	return key[:first], key[first+1 : second], key[second+1:], true
}
