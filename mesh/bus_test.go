// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"bytes"
	"slices"
	"sort"
	"testing"
)

type busFrame struct {
	from    string
	kind    FrameKind
	payload []byte
}

func TestBusSynchronousDelivery(t *testing.T) {
	bus := NewBus()

	var received []busFrame
	a := bus.Join("room/groceries", "tab-a", nil, nil)
	b := bus.Join("room/groceries", "tab-b", func(from string, kind FrameKind, payload []byte) {
		received = append(received, busFrame{from, kind, payload})
	}, nil)
	defer a.Leave()
	defer b.Leave()

	a.Broadcast(FrameBinary, []byte("milk"))

	// Delivery completes before Broadcast returns.
	if len(received) != 1 {
		t.Fatalf("got %d frames, want 1", len(received))
	}
	if received[0].from != "tab-a" || received[0].kind != FrameBinary || !bytes.Equal(received[0].payload, []byte("milk")) {
		t.Fatalf("unexpected frame: %+v", received[0])
	}
}

func TestBusDoesNotEchoToSender(t *testing.T) {
	bus := NewBus()
	var frames int
	a := bus.Join("room/groceries", "tab-a", func(string, FrameKind, []byte) { frames++ }, nil)
	defer a.Leave()

	a.Broadcast(FrameText, []byte("self"))
	if frames != 0 {
		t.Fatalf("sender received its own broadcast")
	}
}

func TestBusRoomIsolation(t *testing.T) {
	bus := NewBus()
	var frames int
	a := bus.Join("room/groceries", "tab-a", nil, nil)
	other := bus.Join("room/chores", "tab-b", func(string, FrameKind, []byte) { frames++ }, nil)
	defer a.Leave()
	defer other.Leave()

	a.Broadcast(FrameBinary, []byte("eggs"))
	if frames != 0 {
		t.Fatalf("frame crossed room boundary")
	}
}

func TestBusMembershipNotifications(t *testing.T) {
	bus := NewBus()

	var changes int
	a := bus.Join("room/groceries", "tab-a", nil, func() { changes++ })
	if changes != 1 {
		t.Fatalf("join should notify the joining port, got %d", changes)
	}

	b := bus.Join("room/groceries", "tab-b", nil, nil)
	if changes != 2 {
		t.Fatalf("second join should notify existing ports, got %d", changes)
	}
	if peers := a.Peers(); !slices.Contains(peers, "tab-b") {
		t.Fatalf("peer list %v missing tab-b", peers)
	}

	b.Leave()
	if changes != 3 {
		t.Fatalf("leave should notify remaining ports, got %d", changes)
	}
	if peers := a.Peers(); len(peers) != 0 {
		t.Fatalf("peer list %v should be empty after leave", peers)
	}
	a.Leave()
}

func TestBusLeaveIsIdempotent(t *testing.T) {
	bus := NewBus()
	a := bus.Join("room/groceries", "tab-a", nil, nil)
	b := bus.Join("room/groceries", "tab-b", nil, nil)
	defer b.Leave()

	a.Leave()
	a.Leave()
	a.Broadcast(FrameBinary, []byte("late")) // no-op after leave

	peers := b.Peers()
	sort.Strings(peers)
	if len(peers) != 0 {
		t.Fatalf("detached port still visible: %v", peers)
	}
}
