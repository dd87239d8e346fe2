// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"bytes"
	"testing"
)

func TestCodecRoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		[]byte("x"),
		bytes.Repeat([]byte("task-list sync frame "), 400),
	}
	for _, tag := range []CompressionTag{CompressionNone, CompressionZstd, CompressionLZ4} {
		codec, err := NewCodec(tag)
		if err != nil {
			t.Fatalf("NewCodec(%v): %v", tag, err)
		}
		for _, payload := range payloads {
			for _, kind := range []FrameKind{FrameBinary, FrameText} {
				encoded, err := codec.Encode(kind, payload)
				if err != nil {
					t.Fatalf("encode %v/%v: %v", tag, kind, err)
				}
				gotKind, gotPayload, err := codec.Decode(encoded)
				if err != nil {
					t.Fatalf("decode %v/%v: %v", tag, kind, err)
				}
				if gotKind != kind {
					t.Fatalf("kind: got %v, want %v", gotKind, kind)
				}
				if !bytes.Equal(gotPayload, payload) {
					t.Fatalf("payload mismatch under %v", tag)
				}
			}
		}
	}
}

func TestCodecCompressesRedundantPayloads(t *testing.T) {
	codec, err := NewCodec(CompressionZstd)
	if err != nil {
		t.Fatal(err)
	}
	payload := bytes.Repeat([]byte("water the plants\n"), 2000)
	encoded, err := codec.Encode(FrameBinary, payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(encoded) >= len(payload) {
		t.Fatalf("expected compression, frame %d >= payload %d", len(encoded), len(payload))
	}
}

func TestCodecDecodeCrossTag(t *testing.T) {
	// The frame carries its own compression tag, so a receiver
	// configured for one codec still decodes the others.
	receiver, err := NewCodec(CompressionNone)
	if err != nil {
		t.Fatal(err)
	}
	payload := bytes.Repeat([]byte("shared grocery list "), 100)
	for _, tag := range []CompressionTag{CompressionZstd, CompressionLZ4} {
		sender, err := NewCodec(tag)
		if err != nil {
			t.Fatal(err)
		}
		encoded, err := sender.Encode(FrameText, payload)
		if err != nil {
			t.Fatal(err)
		}
		_, got, err := receiver.Decode(encoded)
		if err != nil {
			t.Fatalf("decoding %v frame: %v", tag, err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("payload mismatch decoding %v frame", tag)
		}
	}
}

func TestCodecRejectsMalformedFrames(t *testing.T) {
	codec, err := NewCodec(CompressionNone)
	if err != nil {
		t.Fatal(err)
	}
	cases := map[string][]byte{
		"empty":           {},
		"header only":     {byte(FrameBinary)},
		"unknown tag":     {byte(FrameBinary), 0x7f, 0x01, 'x'},
		"truncated varint": {byte(FrameBinary), byte(CompressionNone), 0x80},
		"oversized length": append([]byte{byte(FrameBinary), byte(CompressionNone)}, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f),
	}
	for name, frame := range cases {
		if _, _, err := codec.Decode(frame); err == nil {
			t.Errorf("%s: expected decode error", name)
		}
	}
}

func TestCodecRejectsLengthMismatch(t *testing.T) {
	codec, err := NewCodec(CompressionNone)
	if err != nil {
		t.Fatal(err)
	}
	// Stored frame declaring five raw bytes but carrying three.
	frame := []byte{byte(FrameBinary), byte(CompressionNone), 0x05, 'a', 'b', 'c'}
	if _, _, err := codec.Decode(frame); err == nil {
		t.Fatal("expected error for raw length mismatch")
	}
}

func TestParseCompressionTag(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want CompressionTag
	}{
		{"none", CompressionNone},
		{"zstd", CompressionZstd},
		{"lz4", CompressionLZ4},
	} {
		got, err := ParseCompressionTag(tc.in)
		if err != nil {
			t.Fatalf("ParseCompressionTag(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseCompressionTag(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
	if _, err := ParseCompressionTag("gzip"); err == nil {
		t.Fatal("expected error for unsupported tag")
	}
}
