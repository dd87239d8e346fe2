// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// FrameKind is the one-byte type marker on every data-channel frame.
type FrameKind uint8

const (
	// FrameBinary carries CBOR protocol payloads (updates, resync).
	FrameBinary FrameKind = 0
	// FrameText carries UTF-8 text payloads.
	FrameText FrameKind = 1
)

// CompressionTag identifies the codec used for a frame. Wire
// constants — changing them breaks peers on older builds.
type CompressionTag uint8

const (
	// CompressionNone sends the payload uncompressed. Used for tiny
	// frames where compression costs more than it saves.
	CompressionNone CompressionTag = 0
	// CompressionZstd is the default: good ratios on CBOR update
	// batches at low CPU cost.
	CompressionZstd CompressionTag = 1
	// CompressionLZ4 trades ratio for speed on constrained devices.
	CompressionLZ4 CompressionTag = 2
)

// String returns the tag's human-readable name.
func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(tag))
	}
}

// ParseCompressionTag parses a tag from its configuration name.
func ParseCompressionTag(name string) (CompressionTag, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "zstd", "":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("mesh: unknown compression tag %q", name)
	}
}

// maxFrameSize bounds the uncompressed size a frame may declare,
// protecting against decompression bombs from a compromised peer.
const maxFrameSize = 64 << 20

// Codec frames data-channel payloads:
//
//	[1 byte kind][1 byte compression tag][uvarint uncompressed length][body]
//
// One Codec is shared per room; the zstd coder objects are reused
// across frames. Safe for concurrent use (EncodeAll/DecodeAll are).
type Codec struct {
	tag        CompressionTag
	zstdWriter *zstd.Encoder
	zstdReader *zstd.Decoder
}

// NewCodec creates a codec that compresses outgoing frames with the
// given tag. Incoming frames decode by whatever tag they carry, so
// rooms with mixed configurations interoperate.
func NewCodec(tag CompressionTag) (*Codec, error) {
	writer, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("mesh: creating zstd encoder: %w", err)
	}
	reader, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("mesh: creating zstd decoder: %w", err)
	}
	return &Codec{tag: tag, zstdWriter: writer, zstdReader: reader}, nil
}

// Encode frames and compresses one payload.
func (c *Codec) Encode(kind FrameKind, payload []byte) ([]byte, error) {
	header := []byte{byte(kind), byte(c.tag)}
	header = binary.AppendUvarint(header, uint64(len(payload)))

	switch c.tag {
	case CompressionNone:
		return append(header, payload...), nil

	case CompressionZstd:
		return c.zstdWriter.EncodeAll(payload, header), nil

	case CompressionLZ4:
		body := make([]byte, lz4.CompressBlockBound(len(payload)))
		var compressor lz4.Compressor
		n, err := compressor.CompressBlock(payload, body)
		if err != nil {
			return nil, fmt.Errorf("mesh: lz4 compression: %w", err)
		}
		if n == 0 {
			// Incompressible payload; fall back to a stored frame.
			header[1] = byte(CompressionNone)
			return append(header, payload...), nil
		}
		return append(header, body[:n]...), nil

	default:
		return nil, fmt.Errorf("mesh: unsupported compression tag %d", c.tag)
	}
}

// Decode unpacks one frame. Errors mean the frame (and by policy the
// peer connection that produced it) cannot be trusted.
func (c *Codec) Decode(frame []byte) (FrameKind, []byte, error) {
	if len(frame) < 2 {
		return 0, nil, fmt.Errorf("mesh: frame truncated: %d bytes", len(frame))
	}
	kind := FrameKind(frame[0])
	if kind != FrameBinary && kind != FrameText {
		return 0, nil, fmt.Errorf("mesh: unknown frame kind %d", frame[0])
	}
	tag := CompressionTag(frame[1])

	rawLength, n := binary.Uvarint(frame[2:])
	if n <= 0 {
		return 0, nil, fmt.Errorf("mesh: invalid frame length prefix")
	}
	if rawLength > maxFrameSize {
		return 0, nil, fmt.Errorf("mesh: frame declares %d uncompressed bytes, limit %d", rawLength, maxFrameSize)
	}
	body := frame[2+n:]

	switch tag {
	case CompressionNone:
		if uint64(len(body)) != rawLength {
			return 0, nil, fmt.Errorf("mesh: stored frame length %d, header says %d", len(body), rawLength)
		}
		return kind, body, nil

	case CompressionZstd:
		payload, err := c.zstdReader.DecodeAll(body, make([]byte, 0, rawLength))
		if err != nil {
			return 0, nil, fmt.Errorf("mesh: zstd decompression: %w", err)
		}
		if uint64(len(payload)) != rawLength {
			return 0, nil, fmt.Errorf("mesh: zstd frame decoded to %d bytes, header says %d", len(payload), rawLength)
		}
		return kind, payload, nil

	case CompressionLZ4:
		payload := make([]byte, rawLength)
		n, err := lz4.UncompressBlock(body, payload)
		if err != nil {
			return 0, nil, fmt.Errorf("mesh: lz4 decompression: %w", err)
		}
		if uint64(n) != rawLength {
			return 0, nil, fmt.Errorf("mesh: lz4 frame decoded to %d bytes, header says %d", n, rawLength)
		}
		return kind, payload, nil

	default:
		return 0, nil, fmt.Errorf("mesh: unknown compression tag %d", frame[1])
	}
}
