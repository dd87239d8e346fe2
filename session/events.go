// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"log/slog"

	"github.com/taskweave/taskweave/mesh"
	"github.com/taskweave/taskweave/signaling"
)

// Status is the connection summary surfaced to the application layer.
type Status struct {
	// Connected is true once at least one peer is reachable, over
	// webrtc or over the in-process bus.
	Connected bool

	// PeerCount counts reachable peers (webrtc plus bus).
	PeerCount int

	// WebRTCPeers and BusPeers list the reachable peer ids by path.
	WebRTCPeers []string
	BusPeers    []string
}

// Diagnostic is a structured event for debugging surfaces. Level uses
// slog's levels so a UI can filter the same way logs do.
type Diagnostic struct {
	Name    string
	Level   slog.Level
	Payload map[string]any
}

// Observer receives session outputs. Implementations must not block:
// callbacks run on session goroutines. All methods are optional via
// the embeddable NopObserver.
type Observer interface {
	// StatusChanged fires whenever connectivity or membership moves.
	StatusChanged(status Status)

	// PeersChanged fires with the per-peer state table after any
	// membership or connection-state transition.
	PeersChanged(peers []mesh.PeerState)

	// RelayChanged fires when a signaling relay's state moves.
	RelayChanged(relay signaling.RelayStatus)

	// DiagnosticEvent fires for noteworthy internal transitions.
	DiagnosticEvent(event Diagnostic)
}

// NopObserver implements Observer with no-ops, for embedding.
type NopObserver struct{}

func (NopObserver) StatusChanged(Status)                  {}
func (NopObserver) PeersChanged([]mesh.PeerState)         {}
func (NopObserver) RelayChanged(signaling.RelayStatus)    {}
func (NopObserver) DiagnosticEvent(Diagnostic)            {}
