// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import "sync"

// Bus is the in-process broadcast channel connecting rooms of the same
// name inside one application instance — the path that keeps two tabs
// in sync with zero network. Delivery is synchronous: a frame published
// by one port reaches every other port before Broadcast returns, which
// is what makes a toggle in one tab observable in the other within one
// event-loop turn.
type Bus struct {
	mu    sync.Mutex
	rooms map[string]map[*BusPort]struct{}
}

// BusPort is one tab's attachment to a named bus room.
type BusPort struct {
	bus      *Bus
	room     string
	peerID   string
	onFrame  func(from string, kind FrameKind, payload []byte)
	onPeers  func()
	detached bool
}

// NewBus creates an empty bus. One Bus per process; rooms share it
// through configuration, never through a package global.
func NewBus() *Bus {
	return &Bus{rooms: make(map[string]map[*BusPort]struct{})}
}

// Join attaches a port to a room. onFrame receives broadcasts from
// other ports; onPeers fires when the room's port set changes (after
// this join, and after any later join or leave).
func (b *Bus) Join(room, peerID string, onFrame func(from string, kind FrameKind, payload []byte), onPeers func()) *BusPort {
	port := &BusPort{bus: b, room: room, peerID: peerID, onFrame: onFrame, onPeers: onPeers}

	b.mu.Lock()
	ports, ok := b.rooms[room]
	if !ok {
		ports = make(map[*BusPort]struct{})
		b.rooms[room] = ports
	}
	ports[port] = struct{}{}
	all := snapshotPortsLocked(ports)
	b.mu.Unlock()

	for _, other := range all {
		if other.onPeers != nil {
			other.onPeers()
		}
	}
	return port
}

// Broadcast delivers a frame to every other port in the room.
func (p *BusPort) Broadcast(kind FrameKind, payload []byte) {
	p.bus.mu.Lock()
	if p.detached {
		p.bus.mu.Unlock()
		return
	}
	others := make([]*BusPort, 0)
	for port := range p.bus.rooms[p.room] {
		if port != p {
			others = append(others, port)
		}
	}
	p.bus.mu.Unlock()

	for _, port := range others {
		if port.onFrame != nil {
			port.onFrame(p.peerID, kind, payload)
		}
	}
}

// Peers returns the ids of the other ports in the room.
func (p *BusPort) Peers() []string {
	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()
	var ids []string
	for port := range p.bus.rooms[p.room] {
		if port != p {
			ids = append(ids, port.peerID)
		}
	}
	return ids
}

// Leave detaches the port and notifies the remaining ones.
func (p *BusPort) Leave() {
	p.bus.mu.Lock()
	if p.detached {
		p.bus.mu.Unlock()
		return
	}
	p.detached = true
	ports := p.bus.rooms[p.room]
	delete(ports, p)
	if len(ports) == 0 {
		delete(p.bus.rooms, p.room)
	}
	remaining := snapshotPortsLocked(ports)
	p.bus.mu.Unlock()

	for _, other := range remaining {
		if other.onPeers != nil {
			other.onPeers()
		}
	}
}

func snapshotPortsLocked(ports map[*BusPort]struct{}) []*BusPort {
	all := make([]*BusPort, 0, len(ports))
	for port := range ports {
		all = append(all, port)
	}
	return all
}
