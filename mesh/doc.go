// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

// Package mesh maintains the WebRTC peer mesh for one sync room: at
// most one live direct connection per remote peer, plus an in-process
// broadcast bus that reaches other tabs of the same application without
// any network.
//
// [Room] is the owned aggregate at the center. It is the sole mutator
// of its peer table; every other component reads through accessors and
// observes changes through the closed set of [Event] variants delivered
// to the configured notify callback. A Room attaches to one or more
// signaling connections, announces its presence, and reacts to
// announce/welcome/signal payloads.
//
// Connection establishment uses vanilla ICE: all candidates are
// gathered before the SDP is published, so signaling needs exactly one
// round-trip per direction. Of two peers that observe each other, the
// one with the lexicographically smaller peer id initiates. When both
// sides offer anyway (glare), the offer carrying the lower [GlareToken]
// wins; the loser clears its pending token, discards its own attempt,
// and answers the winning offer. The comparison is a pure function of
// the two tokens, so both sides always agree on the winner.
//
// Every data-channel payload is framed by [Codec]: a one-byte frame
// kind (binary or text), a one-byte compression tag (zstd by default,
// lz4 or none configurable), the uncompressed length, then the
// compressed bytes. A codec failure destroys only the affected peer
// connection, and compression work queued for an already-destroyed
// connection is discarded, never attempted.
package mesh
