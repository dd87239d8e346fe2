// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

// Package document defines the replication contract between the sync core
// and the task-list CRDT store, plus a reference in-memory implementation.
//
// The sync core never inspects document content. It moves opaque update
// blobs between peers and relies on exactly two guarantees from the store:
// merges are commutative (updates may arrive in any order) and idempotent
// (re-applying an update is a no-op). [Store] captures that contract.
//
// [MemoryStore] is the reference implementation: a last-writer-wins
// register map keyed by entry id, with a (clock, actor) pair breaking
// ties deterministically. Mutations go through [MemoryStore.Transact] so
// a logically-single change reaches peers as one atomic update, never as
// interleaved partial writes. Applied updates are tracked by BLAKE3
// digest, making duplicate delivery cheap to discard.
//
// [Awareness] carries the ephemeral per-peer presence state that is
// broadcast alongside the durable document (cursor positions, display
// names). Awareness entries are clocked per peer and cleared when the
// peer disconnects; they never touch the durable store.
//
// Snapshot import ([MemoryStore.ImportSnapshot]) is strictly additive:
// entries whose keys already exist locally are skipped, so restoring a
// stale backup can never clobber a concurrently live edit.
package document
