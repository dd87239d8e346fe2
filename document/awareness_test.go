// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

package document

import "testing"

func TestAwarenessApplyClockOrdering(t *testing.T) {
	awareness := NewAwareness("alice")

	if !awareness.Apply("bob", AwarenessState{Clock: 1, State: []byte("a")}) {
		t.Error("fresh state not applied")
	}
	if awareness.Apply("bob", AwarenessState{Clock: 1, State: []byte("b")}) {
		t.Error("equal-clock state applied (re-delivery must be a no-op)")
	}
	if awareness.Apply("bob", AwarenessState{Clock: 0, State: []byte("c")}) {
		t.Error("stale state applied")
	}
	if !awareness.Apply("bob", AwarenessState{Clock: 2, State: []byte("d")}) {
		t.Error("newer state not applied")
	}

	states := awareness.States()
	if string(states["bob"].State) != "d" {
		t.Errorf("state = %s, want d", states["bob"].State)
	}
}

func TestAwarenessIgnoresOwnID(t *testing.T) {
	awareness := NewAwareness("alice")
	if awareness.Apply("alice", AwarenessState{Clock: 5}) {
		t.Error("awareness applied state for the local peer id")
	}
}

func TestAwarenessRemove(t *testing.T) {
	awareness := NewAwareness("alice")
	awareness.Apply("bob", AwarenessState{Clock: 1, State: []byte("x")})

	changes := 0
	cancel := awareness.OnChange(func() { changes++ })
	defer cancel()

	awareness.Remove("bob")
	if len(awareness.States()) != 0 {
		t.Error("peer still present after Remove")
	}
	if changes != 1 {
		t.Errorf("OnChange fired %d times, want 1", changes)
	}

	// Removing an unknown peer must not notify.
	awareness.Remove("bob")
	if changes != 1 {
		t.Errorf("OnChange fired %d times after redundant Remove, want 1", changes)
	}
}

func TestAwarenessLocalClockBumps(t *testing.T) {
	awareness := NewAwareness("alice")
	awareness.SetLocal([]byte("one"))
	first := awareness.Local()
	awareness.SetLocal([]byte("two"))
	second := awareness.Local()

	if second.Clock <= first.Clock {
		t.Errorf("local clock did not advance: %d then %d", first.Clock, second.Clock)
	}
	if string(second.State) != "two" {
		t.Errorf("local state = %s, want two", second.State)
	}
}
