// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides deterministic CBOR encoding for data-channel
// frames and resync payloads.
//
// All binary payloads exchanged between peers over WebRTC data channels
// (document updates, awareness states, resync bundles) are encoded with
// Core Deterministic Encoding so that identical logical content always
// produces identical bytes. The document package relies on this for
// content-addressed update digests: a re-encoded duplicate of an update
// hashes to the same digest and is dropped on apply.
package codec
