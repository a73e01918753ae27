// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package artifactstore

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte BLAKE3 digest of an artifact's uncompressed
// payload.
type Hash [32]byte

// payloadDomainKey is the 32-byte key for BLAKE3 keyed hashing of
// artifact payloads. Domain separation keeps artifact digests from
// colliding with any other BLAKE3 use of the same bytes. The value is
// the ASCII domain name zero-padded to 32 bytes, readable in hex
// dumps without sacrificing any cryptographic property.
var payloadDomainKey = [32]byte{
	'c', 'o', 'n', 'v', 'e', 'y', 'o', 'r', '.', 'a', 'r', 't', 'i', 'f', 'a', 'c',
	't', '.', 'p', 'a', 'y', 'l', 'o', 'a', 'd', 0, 0, 0, 0, 0, 0, 0,
}

// HashPayload computes the payload-domain BLAKE3 keyed hash of data.
// Always computed on uncompressed bytes so refs are stable across
// compression algorithm changes.
func HashPayload(data []byte) Hash {
	hasher, err := blake3.NewKeyed(payloadDomainKey[:])
	if err != nil {
		// NewKeyed fails only on wrong key length, which is fixed at
		// compile time.
		panic("artifactstore: keyed hasher initialization failed: " + err.Error())
	}
	hasher.Write(data)

	var hash Hash
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// String returns the canonical "b3:<hex>" form used in refs, reports,
// and task results.
func (hash Hash) String() string {
	return "b3:" + hex.EncodeToString(hash[:])
}

// Ref identifies a published artifact: its key within the store and
// the content digest of its payload.
type Ref struct {
	// Stage is the producing stage name.
	Stage string `json:"stage"`

	// Cell is the matrix cell key ("" for stages without a matrix).
	Cell string `json:"cell,omitempty"`

	// Name is the output name declared by the stage.
	Name string `json:"name"`

	// Digest is the canonical "b3:<hex>" payload digest.
	Digest string `json:"digest"`

	// Size is the uncompressed payload size in bytes.
	Size int64 `json:"size"`
}

// String returns "stage/cell/name@digest" for logs and errors.
func (ref Ref) String() string {
	if ref.Cell == "" {
		return fmt.Sprintf("%s/%s@%s", ref.Stage, ref.Name, ref.Digest)
	}
	return fmt.Sprintf("%s/%s/%s@%s", ref.Stage, ref.Cell, ref.Name, ref.Digest)
}

// storeKey builds the index key for a (stage, cell, name) triple. The
// unit separator byte cannot appear in stage names, cell keys, or
// output names, so the mapping is injective.
func storeKey(stage, cell, name string) string {
	return stage + "\x1f" + cell + "\x1f" + name
}
