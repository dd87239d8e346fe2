// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

package document

import (
	"sync"
	"time"
)

// AwarenessState is one peer's ephemeral presence blob plus its clock.
// The clock is a per-peer counter: a state with a higher clock replaces
// a lower one, and equal clocks are a no-op (idempotent re-delivery).
type AwarenessState struct {
	Clock int64  `cbor:"c"`
	State []byte `cbor:"s"`
}

// Awareness tracks ephemeral presence state for the local peer and
// every remote peer in the room. It is broadcast alongside the durable
// document but never persisted; a peer's entry is removed when its
// connection closes.
type Awareness struct {
	localID string

	mu       sync.Mutex
	local    AwarenessState
	peers    map[string]AwarenessState
	updated  map[string]time.Time
	handlers map[int]func()
	nextID   int
}

// NewAwareness creates awareness state for the given local peer id.
func NewAwareness(localID string) *Awareness {
	return &Awareness{
		localID:  localID,
		peers:    make(map[string]AwarenessState),
		updated:  make(map[string]time.Time),
		handlers: make(map[int]func()),
	}
}

// SetLocal replaces the local presence blob and bumps the local clock.
func (a *Awareness) SetLocal(state []byte) {
	a.mu.Lock()
	a.local = AwarenessState{Clock: a.local.Clock + 1, State: state}
	handlers := a.snapshotHandlersLocked()
	a.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

// LocalID returns the peer id this awareness instance speaks for.
func (a *Awareness) LocalID() string {
	return a.localID
}

// Local returns the local peer's current state and clock.
func (a *Awareness) Local() AwarenessState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.local
}

// Apply merges a remote peer's awareness state. Returns true when the
// state was newer than what was already held. Applying the local peer's
// own id is ignored.
func (a *Awareness) Apply(peerID string, state AwarenessState) bool {
	if peerID == a.localID {
		return false
	}

	a.mu.Lock()
	current, exists := a.peers[peerID]
	if exists && state.Clock <= current.Clock {
		a.mu.Unlock()
		return false
	}
	a.peers[peerID] = state
	a.updated[peerID] = time.Now()
	handlers := a.snapshotHandlersLocked()
	a.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
	return true
}

// Remove clears a departed peer's entry.
func (a *Awareness) Remove(peerID string) {
	a.mu.Lock()
	_, existed := a.peers[peerID]
	delete(a.peers, peerID)
	delete(a.updated, peerID)
	var handlers []func()
	if existed {
		handlers = a.snapshotHandlersLocked()
	}
	a.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
}

// States returns a copy of every known remote peer state.
func (a *Awareness) States() map[string]AwarenessState {
	a.mu.Lock()
	defer a.mu.Unlock()
	states := make(map[string]AwarenessState, len(a.peers))
	for id, state := range a.peers {
		states[id] = state
	}
	return states
}

// LastUpdated returns when a peer's awareness was last refreshed, or a
// zero time if the peer is unknown. The resync protocol uses this to
// decide whether a reappearing peer has gone stale.
func (a *Awareness) LastUpdated(peerID string) time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.updated[peerID]
}

// OnChange registers a callback fired after any awareness mutation.
func (a *Awareness) OnChange(fn func()) (cancel func()) {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.handlers[id] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.handlers, id)
		a.mu.Unlock()
	}
}

func (a *Awareness) snapshotHandlersLocked() []func() {
	handlers := make([]func(), 0, len(a.handlers))
	for _, fn := range a.handlers {
		handlers = append(handlers, fn)
	}
	return handlers
}
