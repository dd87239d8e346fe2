// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

package document

// Store is the replication contract the sync core depends on. The
// production task-list document and the in-memory reference store both
// satisfy it.
//
// Implementations must guarantee that ApplyUpdate is commutative and
// idempotent: any interleaving of the same update set converges to the
// same state, and re-applying an already-seen update changes nothing.
// The sync core leans on this — updates from different peers are applied
// in receipt order with no cross-peer sequencing.
type Store interface {
	// ApplyUpdate merges a remote update into local state. Returns true
	// when the update changed anything, false for a duplicate or a
	// fully-stale update. Updates that fail to decode return an error;
	// the caller drops them without affecting the store.
	ApplyUpdate(update []byte) (bool, error)

	// EncodeState encodes the full document as a single update blob.
	// Applying it on any replica merges in everything this replica has.
	EncodeState() ([]byte, error)

	// EncodeStateVector encodes a compact summary of what this replica
	// has seen (per-actor high-water clocks). A peer answers it with
	// DiffUpdate so only missing entries cross the wire.
	EncodeStateVector() ([]byte, error)

	// DiffUpdate encodes an update containing everything the remote
	// replica described by stateVector is missing. Returns nil when
	// the remote replica is already caught up.
	DiffUpdate(stateVector []byte) ([]byte, error)

	// OnUpdate registers a callback invoked with the encoded update
	// after every local transaction and every remotely-applied update
	// that changed state. The returned function unregisters it.
	OnUpdate(fn func(update []byte)) (cancel func())
}
