// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package artifactstore

import (
	"bytes"
	"math/rand"
	"strings"
	"testing"
)

func TestCompressRoundTrip(t *testing.T) {
	t.Parallel()

	// Pseudo-random bytes are incompressible; repeated binary
	// patterns route to LZ4; repeated text routes to zstd.
	random := make([]byte, 8192)
	rand.New(rand.NewSource(42)).Read(random)

	binary := bytes.Repeat([]byte{0x00, 0x01, 0x02, 0xff}, 2048)
	text := []byte(strings.Repeat("stage=build status=success duration_ms=1200\n", 200))

	tests := []struct {
		name    string
		payload []byte
		wantTag CompressionTag
	}{
		{"empty", nil, CompressionNone},
		{"random is stored raw", random, CompressionNone},
		{"binary uses lz4", binary, CompressionLZ4},
		{"text uses zstd", text, CompressionZstd},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			tag, stored := compress(test.payload)
			if tag != test.wantTag {
				t.Errorf("compress tag = %v, want %v", tag, test.wantTag)
			}

			payload, err := decompress(tag, stored, int64(len(test.payload)))
			if err != nil {
				t.Fatalf("decompress: %v", err)
			}
			if !bytes.Equal(payload, test.payload) {
				t.Error("round trip mismatch")
			}
		})
	}
}

func TestDecompressUnknownTag(t *testing.T) {
	t.Parallel()

	if _, err := decompress(CompressionTag(99), []byte("x"), 1); err == nil {
		t.Error("decompress accepted an unknown tag")
	}
}

func TestHashPayloadStable(t *testing.T) {
	t.Parallel()

	first := HashPayload([]byte("payload"))
	second := HashPayload([]byte("payload"))
	if first != second {
		t.Error("HashPayload is not deterministic")
	}
	if first == HashPayload([]byte("other")) {
		t.Error("distinct payloads hashed identically")
	}
	if !strings.HasPrefix(first.String(), "b3:") {
		t.Errorf("Hash.String() = %q, want b3: prefix", first.String())
	}
}
