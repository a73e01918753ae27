// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package artifactstore

import (
	"fmt"
	"unicode/utf8"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionTag identifies the compression algorithm used for a
// stored artifact. Tags are recorded in the index — changing the
// values breaks existing stores.
type CompressionTag uint8

const (
	// CompressionNone indicates uncompressed data. Chosen when
	// compression does not shrink the payload (already-compressed
	// archives, wheels, images).
	CompressionNone CompressionTag = 0

	// CompressionLZ4 indicates LZ4 block compression. Fast default
	// for binary payloads when the content type is unknown.
	CompressionLZ4 CompressionTag = 1

	// CompressionZstd indicates zstd at its default level. Better
	// ratios for text-like payloads: logs, JSON test reports,
	// freeze files.
	CompressionZstd CompressionTag = 2
)

// String returns the human-readable name of a compression tag.
func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// zstd encoder/decoder are stateless once built and safe for
// concurrent use via EncodeAll/DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic("artifactstore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("artifactstore: zstd decoder initialization failed: " + err.Error())
	}
}

// compress picks an algorithm for payload and returns the tag and the
// stored bytes. Text-like payloads use zstd, binary payloads LZ4.
// When the compressed form is not smaller than the original, the
// payload is stored uncompressed.
func compress(payload []byte) (CompressionTag, []byte) {
	if len(payload) == 0 {
		return CompressionNone, payload
	}

	if looksTextual(payload) {
		compressed := zstdEncoder.EncodeAll(payload, nil)
		if len(compressed) < len(payload) {
			return CompressionZstd, compressed
		}
		return CompressionNone, payload
	}

	compressed := make([]byte, lz4.CompressBlockBound(len(payload)))
	var compressor lz4.Compressor
	written, err := compressor.CompressBlock(payload, compressed)
	if err != nil || written == 0 || written >= len(payload) {
		// written == 0 means incompressible per the lz4 contract.
		return CompressionNone, payload
	}
	return CompressionLZ4, compressed[:written]
}

// decompress reverses compress. size is the uncompressed payload size
// from the index, needed to allocate the LZ4 destination buffer.
func decompress(tag CompressionTag, stored []byte, size int64) ([]byte, error) {
	switch tag {
	case CompressionNone:
		return stored, nil
	case CompressionZstd:
		payload, err := zstdDecoder.DecodeAll(stored, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompression: %w", err)
		}
		return payload, nil
	case CompressionLZ4:
		payload := make([]byte, size)
		written, err := lz4.UncompressBlock(stored, payload)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompression: %w", err)
		}
		if int64(written) != size {
			return nil, fmt.Errorf("lz4 decompression: got %d bytes, want %d", written, size)
		}
		return payload, nil
	default:
		return nil, fmt.Errorf("unknown compression tag %d", tag)
	}
}

// looksTextual samples the payload head and reports whether it is
// valid UTF-8 without NUL bytes. Good enough to route logs and JSON
// reports to zstd and binary build outputs to LZ4; a wrong guess only
// costs compression ratio, never correctness.
func looksTextual(payload []byte) bool {
	sample := payload
	if len(sample) > 4096 {
		sample = sample[:4096]
		// The cut may split a multi-byte rune; trim at most three
		// trailing bytes before judging validity.
		for i := 0; i < 3 && !utf8.Valid(sample); i++ {
			sample = sample[:len(sample)-1]
		}
	}
	if !utf8.Valid(sample) {
		return false
	}
	for _, b := range sample {
		if b == 0 {
			return false
		}
	}
	return true
}
