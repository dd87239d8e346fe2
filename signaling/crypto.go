// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Key derivation and envelope constants. These are wire-format
// invariants: every client in a room must derive the same key and parse
// the same envelope layout.
const (
	keyIterations = 100_000
	keyLength     = 32
	nonceLength   = 12
	cipherName    = "AES-GCM"
)

// Key is a room encryption key: AES-256-GCM keyed by
// PBKDF2(secret, roomName). A nil *Key means the room runs in clear.
type Key struct {
	aead cipher.AEAD
}

// DeriveKey derives the room key from the shared secret, salted with
// the room name so the same secret yields distinct keys per room.
func DeriveKey(secret, roomName string) (*Key, error) {
	raw := pbkdf2.Key([]byte(secret), []byte(roomName), keyIterations, keyLength, sha256.New)
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("signaling: creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("signaling: creating GCM: %w", err)
	}
	return &Key{aead: aead}, nil
}

// EncodePayload serializes a payload for publishing. With a key it is
// sealed into the encrypted envelope and base64-encoded; with a nil key
// it is plain JSON.
func EncodePayload(key *Key, payload Payload) (string, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("signaling: encoding payload: %w", err)
	}
	if key == nil {
		return string(plaintext), nil
	}

	nonce := make([]byte, nonceLength)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("signaling: generating nonce: %w", err)
	}
	ciphertext := key.aead.Seal(nil, nonce, plaintext, nil)

	envelope := appendVarString(nil, cipherName)
	envelope = appendVarBytes(envelope, nonce)
	envelope = appendVarBytes(envelope, ciphertext)
	return base64.StdEncoding.EncodeToString(envelope), nil
}

// DecodePayload reverses EncodePayload. With a key, authentication
// failure (wrong key, tampered envelope) returns an error — never
// corrupt plaintext, GCM guarantees that.
func DecodePayload(key *Key, data string) (Payload, error) {
	var payload Payload
	if key == nil {
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return Payload{}, fmt.Errorf("signaling: decoding cleartext payload: %w", err)
		}
		return payload, nil
	}

	envelope, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return Payload{}, fmt.Errorf("signaling: decoding envelope base64: %w", err)
	}

	name, rest, err := readVarString(envelope)
	if err != nil {
		return Payload{}, fmt.Errorf("signaling: reading cipher name: %w", err)
	}
	if name != cipherName {
		return Payload{}, fmt.Errorf("signaling: unsupported cipher %q", name)
	}
	nonce, rest, err := readVarBytes(rest)
	if err != nil {
		return Payload{}, fmt.Errorf("signaling: reading nonce: %w", err)
	}
	if len(nonce) != nonceLength {
		return Payload{}, fmt.Errorf("signaling: nonce length %d, want %d", len(nonce), nonceLength)
	}
	ciphertext, _, err := readVarBytes(rest)
	if err != nil {
		return Payload{}, fmt.Errorf("signaling: reading ciphertext: %w", err)
	}

	plaintext, err := key.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return Payload{}, fmt.Errorf("signaling: decrypting payload: %w", err)
	}
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return Payload{}, fmt.Errorf("signaling: decoding decrypted payload: %w", err)
	}
	return payload, nil
}

// appendVarBytes appends a uvarint length prefix followed by the bytes.
func appendVarBytes(buffer, value []byte) []byte {
	buffer = binary.AppendUvarint(buffer, uint64(len(value)))
	return append(buffer, value...)
}

func appendVarString(buffer []byte, value string) []byte {
	return appendVarBytes(buffer, []byte(value))
}

// readVarBytes consumes one length-prefixed field, returning the field
// and the remaining buffer.
func readVarBytes(buffer []byte) (value, rest []byte, err error) {
	length, n := binary.Uvarint(buffer)
	if n <= 0 {
		return nil, nil, fmt.Errorf("invalid length prefix")
	}
	buffer = buffer[n:]
	if uint64(len(buffer)) < length {
		return nil, nil, fmt.Errorf("field truncated: have %d bytes, length prefix says %d", len(buffer), length)
	}
	return buffer[:length], buffer[length:], nil
}

func readVarString(buffer []byte) (value string, rest []byte, err error) {
	raw, rest, err := readVarBytes(buffer)
	return string(raw), rest, err
}
