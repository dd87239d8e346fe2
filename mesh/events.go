// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import "github.com/pion/webrtc/v4"

// Event is the closed set of room notifications. Consumers switch on
// the concrete type; there are no string-keyed events.
type Event interface {
	isRoomEvent()
}

// PeersChanged reports a change in room membership: the ids added and
// removed by this transition plus the full current webrtc and bus
// peer lists.
type PeersChanged struct {
	Added   []string
	Removed []string
	WebRTC  []string
	Bus     []string
}

// PeerObserved fires when a peer shows up on signaling (announce,
// welcome, or a directed signal). The escalation policy uses this as
// its grace-window input.
type PeerObserved struct {
	PeerID string
}

// PeerConnected fires when a peer's data channel opens. The resync
// protocol pushes its bootstrap payload in response.
type PeerConnected struct {
	PeerID string
}

// PeerDisconnected fires when a peer connection is destroyed, for any
// reason.
type PeerDisconnected struct {
	PeerID string
}

// PeerICEFailed fires when a peer's ICE state reports failed. The
// escalation policy may answer with a forced relay reconnect.
type PeerICEFailed struct {
	PeerID string
}

// PeerMessage carries a decoded data-channel frame from a direct peer
// or a bus tab.
type PeerMessage struct {
	PeerID  string
	Kind    FrameKind
	Payload []byte
}

// ICEStateChanged reports a per-peer ICE transition, surfaced into the
// peer state table.
type ICEStateChanged struct {
	PeerID string
	State  webrtc.ICEConnectionState
}

func (PeersChanged) isRoomEvent()     {}
func (PeerObserved) isRoomEvent()     {}
func (PeerConnected) isRoomEvent()    {}
func (PeerDisconnected) isRoomEvent() {}
func (PeerICEFailed) isRoomEvent()    {}
func (PeerMessage) isRoomEvent()      {}
func (ICEStateChanged) isRoomEvent()  {}
