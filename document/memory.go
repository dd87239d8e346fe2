// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

package document

import (
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/taskweave/taskweave/lib/codec"
)

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// entry is one last-writer-wins register. Two entries for the same key
// are ordered by (Clock, Actor); the greater pair wins. The actor
// tie-break makes concurrent same-clock writes converge identically on
// every replica regardless of arrival order.
type entry struct {
	Key   string `cbor:"k"`
	Value []byte `cbor:"v"`
	Clock int64  `cbor:"c"`
	Actor string `cbor:"a"`
}

// update is the wire form of a batch of entries. One transaction
// produces one update.
type update struct {
	Entries []entry `cbor:"e"`
}

// supersedes reports whether candidate wins over current under the
// (Clock, Actor) order.
func (candidate entry) supersedes(current entry) bool {
	if candidate.Clock != current.Clock {
		return candidate.Clock > current.Clock
	}
	return candidate.Actor > current.Actor
}

// MemoryStore is the reference Store implementation: a map of
// last-writer-wins registers with digest-based duplicate suppression.
// Safe for concurrent use.
type MemoryStore struct {
	actor string

	mu       sync.Mutex
	entries  map[string]entry
	clock    int64
	applied  map[[32]byte]struct{}
	handlers map[int]func(update []byte)
	nextID   int
}

// NewMemoryStore creates an empty store. The actor id (typically the
// session's peer id) breaks clock ties and scopes the state vector.
func NewMemoryStore(actor string) *MemoryStore {
	return &MemoryStore{
		actor:    actor,
		entries:  make(map[string]entry),
		applied:  make(map[[32]byte]struct{}),
		handlers: make(map[int]func(update []byte)),
	}
}

// Tx batches mutations so they encode as one atomic update.
type Tx struct {
	store   *MemoryStore
	pending []entry
}

// Set records a key/value write in the transaction. The value is an
// opaque application blob (the task model serializes itself).
func (tx *Tx) Set(key string, value []byte) {
	tx.pending = append(tx.pending, entry{Key: key, Value: value})
}

// Delete records a tombstone write. Deletion is a nil-valued register
// write so it merges like any other update.
func (tx *Tx) Delete(key string) {
	tx.pending = append(tx.pending, entry{Key: key, Value: nil})
}

// Transact runs fn against a transaction and commits the result as a
// single update: one clock value for the whole batch, one OnUpdate
// notification, one blob on the wire. An empty transaction commits
// nothing and notifies nobody.
func (s *MemoryStore) Transact(fn func(tx *Tx)) error {
	tx := &Tx{store: s}
	fn(tx)
	if len(tx.pending) == 0 {
		return nil
	}

	s.mu.Lock()
	clock := time.Now().UnixMilli()
	if clock <= s.clock {
		clock = s.clock + 1
	}
	s.clock = clock

	for i := range tx.pending {
		tx.pending[i].Clock = clock
		tx.pending[i].Actor = s.actor
		s.entries[tx.pending[i].Key] = tx.pending[i]
	}

	encoded, err := codec.Marshal(update{Entries: tx.pending})
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("document: encoding transaction: %w", err)
	}
	s.applied[blake3.Sum256(encoded)] = struct{}{}
	handlers := s.snapshotHandlersLocked()
	s.mu.Unlock()

	for _, fn := range handlers {
		fn(encoded)
	}
	return nil
}

// ApplyUpdate merges a remote update. Duplicate blobs (by BLAKE3 digest)
// and entries that lose the (Clock, Actor) race are skipped, which is
// what makes delivery idempotent and order-independent.
func (s *MemoryStore) ApplyUpdate(encoded []byte) (bool, error) {
	var u update
	if err := codec.Unmarshal(encoded, &u); err != nil {
		return false, fmt.Errorf("document: decoding update: %w", err)
	}

	digest := blake3.Sum256(encoded)

	s.mu.Lock()
	if _, seen := s.applied[digest]; seen {
		s.mu.Unlock()
		return false, nil
	}
	s.applied[digest] = struct{}{}

	changed := false
	for _, incoming := range u.Entries {
		current, exists := s.entries[incoming.Key]
		if exists && !incoming.supersedes(current) {
			continue
		}
		s.entries[incoming.Key] = incoming
		if incoming.Clock > s.clock {
			s.clock = incoming.Clock
		}
		changed = true
	}

	var handlers []func([]byte)
	if changed {
		handlers = s.snapshotHandlersLocked()
	}
	s.mu.Unlock()

	for _, fn := range handlers {
		fn(encoded)
	}
	return changed, nil
}

// EncodeState encodes every entry as one update blob.
func (s *MemoryStore) EncodeState() ([]byte, error) {
	s.mu.Lock()
	entries := make([]entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	encoded, err := codec.Marshal(update{Entries: entries})
	if err != nil {
		return nil, fmt.Errorf("document: encoding state: %w", err)
	}
	return encoded, nil
}

// stateVector is the per-actor high-water clock summary.
type stateVector struct {
	Clocks map[string]int64 `cbor:"c"`
}

// EncodeStateVector summarizes what this replica has seen.
func (s *MemoryStore) EncodeStateVector() ([]byte, error) {
	clocks := make(map[string]int64)
	s.mu.Lock()
	for _, e := range s.entries {
		if e.Clock > clocks[e.Actor] {
			clocks[e.Actor] = e.Clock
		}
	}
	s.mu.Unlock()

	encoded, err := codec.Marshal(stateVector{Clocks: clocks})
	if err != nil {
		return nil, fmt.Errorf("document: encoding state vector: %w", err)
	}
	return encoded, nil
}

// DiffUpdate encodes the entries the remote replica is missing: every
// entry whose clock is above the remote high-water mark for its actor.
func (s *MemoryStore) DiffUpdate(remoteVector []byte) ([]byte, error) {
	var sv stateVector
	if err := codec.Unmarshal(remoteVector, &sv); err != nil {
		return nil, fmt.Errorf("document: decoding state vector: %w", err)
	}

	s.mu.Lock()
	var missing []entry
	for _, e := range s.entries {
		if e.Clock > sv.Clocks[e.Actor] {
			missing = append(missing, e)
		}
	}
	s.mu.Unlock()

	if len(missing) == 0 {
		return nil, nil
	}
	encoded, err := codec.Marshal(update{Entries: missing})
	if err != nil {
		return nil, fmt.Errorf("document: encoding diff: %w", err)
	}
	return encoded, nil
}

// OnUpdate registers a change callback. Callbacks run outside the store
// lock, after the mutation is committed.
func (s *MemoryStore) OnUpdate(fn func(update []byte)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.handlers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
}

// Get returns the current value for a key. A tombstoned or absent key
// returns ok=false.
func (s *MemoryStore) Get(key string) (value []byte, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, exists := s.entries[key]
	if !exists || e.Value == nil {
		return nil, false
	}
	return e.Value, true
}

// Len returns the number of live (non-tombstoned) entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, e := range s.entries {
		if e.Value != nil {
			count++
		}
	}
	return count
}

// ImportSnapshot merges an external backup additively: only keys with
// no local entry are filled in, and imported entries carry clock zero
// so any subsequent live edit supersedes them. Existing entries —
// including tombstones — are never overwritten. Returns the number of
// entries added.
func (s *MemoryStore) ImportSnapshot(snapshot map[string][]byte) (int, error) {
	s.mu.Lock()
	var added []entry
	for key, value := range snapshot {
		if _, exists := s.entries[key]; exists {
			continue
		}
		imported := entry{Key: key, Value: value, Clock: 0, Actor: s.actor}
		s.entries[key] = imported
		added = append(added, imported)
	}

	var handlers []func([]byte)
	var encoded []byte
	if len(added) > 0 {
		var err error
		encoded, err = codec.Marshal(update{Entries: added})
		if err != nil {
			s.mu.Unlock()
			return 0, fmt.Errorf("document: encoding snapshot import: %w", err)
		}
		s.applied[blake3.Sum256(encoded)] = struct{}{}
		handlers = s.snapshotHandlersLocked()
	}
	s.mu.Unlock()

	for _, fn := range handlers {
		fn(encoded)
	}
	return len(added), nil
}

// snapshotHandlersLocked copies the handler set so callbacks can run
// without holding the store lock. Caller must hold s.mu.
func (s *MemoryStore) snapshotHandlersLocked() []func([]byte) {
	handlers := make([]func([]byte), 0, len(s.handlers))
	for _, fn := range s.handlers {
		handlers = append(handlers, fn)
	}
	return handlers
}
