// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// sendQueueDepth bounds the per-peer outgoing compression queue. A
// full queue fails the send instead of blocking the caller; the resync
// protocol retries.
const sendQueueDepth = 64

// PeerState is one row of the per-peer table surfaced to the
// application layer. Created on first observation of a peer on
// signaling, removed on goodbye or room teardown.
type PeerState struct {
	PeerID      string
	Connected   bool
	LastSeenAt  time.Time
	ICEState    webrtc.ICEConnectionState
	SignalState webrtc.SignalingState
}

type outgoingFrame struct {
	kind    FrameKind
	payload []byte
}

// peerConn tracks one WebRTC connection to a remote peer. The Room is
// the only creator and destroyer; at most one peerConn per remote id
// exists at any time.
type peerConn struct {
	id        string
	initiator bool

	// token is the glare token attached to our offer. Meaningful only
	// while initiator and not yet established; cleared when this side
	// yields to a competing inbound offer (by destroying the conn).
	token GlareToken

	pc *webrtc.PeerConnection

	mu          sync.Mutex
	dc          *webrtc.DataChannel
	established bool
	lastSeenAt  time.Time
	iceState    webrtc.ICEConnectionState

	sendQueue  chan outgoingFrame
	closed     chan struct{}
	closeOnce  sync.Once
	workerOnce sync.Once
}

func newPeerConn(id string, initiator bool, token GlareToken, pc *webrtc.PeerConnection) *peerConn {
	return &peerConn{
		id:        id,
		initiator: initiator,
		token:     token,
		pc:        pc,
		sendQueue: make(chan outgoingFrame, sendQueueDepth),
		closed:    make(chan struct{}),
	}
}

func (c *peerConn) setChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()
}

func (c *peerConn) markEstablished() {
	c.mu.Lock()
	c.established = true
	c.lastSeenAt = time.Now()
	c.mu.Unlock()
}

func (c *peerConn) isEstablished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.established
}

func (c *peerConn) markSeen() {
	c.mu.Lock()
	c.lastSeenAt = time.Now()
	c.mu.Unlock()
}

func (c *peerConn) setICEState(state webrtc.ICEConnectionState) {
	c.mu.Lock()
	c.iceState = state
	c.mu.Unlock()
}

func (c *peerConn) state() PeerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return PeerState{
		PeerID:      c.id,
		Connected:   c.established,
		LastSeenAt:  c.lastSeenAt,
		ICEState:    c.iceState,
		SignalState: c.pc.SignalingState(),
	}
}

// enqueue hands a frame to the compression worker. Fails when the
// channel is not yet open, the queue is full, or the connection is
// already destroyed — callers with delivery guarantees retry.
func (c *peerConn) enqueue(kind FrameKind, payload []byte) error {
	c.mu.Lock()
	ready := c.established && c.dc != nil
	c.mu.Unlock()
	if !ready {
		return fmt.Errorf("mesh: data channel to %s not open", c.id)
	}

	select {
	case <-c.closed:
		return fmt.Errorf("mesh: connection to %s destroyed", c.id)
	case c.sendQueue <- outgoingFrame{kind: kind, payload: payload}:
		return nil
	default:
		return fmt.Errorf("mesh: send queue to %s full", c.id)
	}
}

// startWorker launches the compression worker once the channel opens.
func (c *peerConn) startWorker(room *Room) {
	c.workerOnce.Do(func() {
		go c.sendWorker(room)
	})
}

// sendWorker compresses and transmits queued frames. Work queued for a
// destroyed connection is discarded on the closed branch, never
// attempted. A codec or transport failure destroys this connection
// only — the rest of the mesh is untouched.
func (c *peerConn) sendWorker(room *Room) {
	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.sendQueue:
			select {
			case <-c.closed:
				return
			default:
			}
			encoded, err := room.codec.Encode(frame.kind, frame.payload)
			if err != nil {
				room.logger.Warn("outbound compression failed", "peer", c.id, "error", err)
				room.destroyPeer(c, "compression failure", true)
				return
			}
			c.mu.Lock()
			dc := c.dc
			c.mu.Unlock()
			if err := dc.Send(encoded); err != nil {
				room.logger.Warn("data channel send failed", "peer", c.id, "error", err)
				room.destroyPeer(c, "send failure", true)
				return
			}
		}
	}
}

// teardown closes the underlying PeerConnection. Idempotent.
func (c *peerConn) teardown() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	c.pc.Close()
}
