// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/taskweave/taskweave/signaling"
)

// iceGatherTimeout bounds ICE candidate gathering before the SDP is
// published (vanilla ICE: the description carries every candidate, so
// signaling needs one round-trip per direction).
const iceGatherTimeout = 15 * time.Second

// defaultMaxPeers caps direct connections per room when the
// configuration does not say otherwise.
const defaultMaxPeers = 20

// description is the WebRTC signal body carried inside a signaling
// payload. Vanilla ICE: SDP includes all gathered candidates.
type description struct {
	Kind string `json:"kind"` // "offer" or "answer"
	SDP  string `json:"sdp"`
}

// RoomConfig configures a Room. Name and LocalID are required.
type RoomConfig struct {
	// Name is the synchronization namespace and the signaling topic.
	Name string

	// LocalID is this session instance's peer id. Lexicographic
	// comparison against remote ids decides who initiates.
	LocalID string

	// Key encrypts room payloads on signaling; nil runs in clear.
	Key *signaling.Key

	// WebRTC is the pion configuration (ICE servers, transport
	// policy) for every PeerConnection this room creates. Replaced
	// only by building a new Room — there is no live swap.
	WebRTC webrtc.Configuration

	// MaxPeers caps direct connections. Zero means defaultMaxPeers.
	MaxPeers int

	// Compression selects the outgoing data-channel codec.
	Compression CompressionTag

	// Bus, when set, attaches the room to the in-process broadcast
	// channel shared with other tabs.
	Bus *Bus

	// Notify receives every room Event. Nil discards them.
	Notify func(Event)

	Logger *slog.Logger
}

// Room owns the peer mesh for one synchronization namespace: the peer
// connection table, presence announcements, glare resolution, and the
// broadcast bus port. It is the sole mutator of its peer table.
type Room struct {
	name     string
	localID  string
	key      *signaling.Key
	webrtc   webrtc.Configuration
	maxPeers int
	codec    *Codec
	notify   func(Event)
	logger   *slog.Logger

	mu              sync.Mutex
	conns           map[string]*peerConn
	known           map[string]time.Time // peer id → last seen on signaling
	lastOfferToken  map[string]GlareToken
	signalConns     []*signaling.Conn
	removeListeners []func()
	busPort         *BusPort
	lastBusPeers    []string
	closed          bool
}

// NewRoom creates a room and, when configured, joins the broadcast
// bus. The room does nothing on the network until Attach.
func NewRoom(cfg RoomConfig) (*Room, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("mesh: room name is required")
	}
	if cfg.LocalID == "" {
		return nil, fmt.Errorf("mesh: local peer id is required")
	}
	codec, err := NewCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}
	maxPeers := cfg.MaxPeers
	if maxPeers <= 0 {
		maxPeers = defaultMaxPeers
	}
	notify := cfg.Notify
	if notify == nil {
		notify = func(Event) {}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	room := &Room{
		name:           cfg.Name,
		localID:        cfg.LocalID,
		key:            cfg.Key,
		webrtc:         cfg.WebRTC,
		maxPeers:       maxPeers,
		codec:          codec,
		notify:         notify,
		logger:         logger.With("room", cfg.Name, "peer", cfg.LocalID),
		conns:          make(map[string]*peerConn),
		known:          make(map[string]time.Time),
		lastOfferToken: make(map[string]GlareToken),
	}

	if cfg.Bus != nil {
		room.busPort = cfg.Bus.Join(cfg.Name, cfg.LocalID,
			func(from string, kind FrameKind, payload []byte) {
				room.notify(PeerMessage{PeerID: from, Kind: kind, Payload: payload})
			},
			room.busPeersChanged,
		)
		room.busPeersChanged()
	}
	return room, nil
}

// Attach subscribes the room topic on the given relay connections and
// begins announcing. Safe to call once per connection.
func (r *Room) Attach(conns ...*signaling.Conn) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	for _, conn := range conns {
		r.signalConns = append(r.signalConns, conn)
	}
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Subscribe(r.name)
		remove := conn.AddListener(r)
		r.mu.Lock()
		r.removeListeners = append(r.removeListeners, remove)
		r.mu.Unlock()
	}
}

// Close publishes a goodbye, destroys every peer connection, leaves
// the bus, and detaches from signaling. The room cannot be reused.
func (r *Room) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	conns := make([]*peerConn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.conns = make(map[string]*peerConn)
	signalConns := r.signalConns
	removes := r.removeListeners
	busPort := r.busPort
	r.busPort = nil
	r.mu.Unlock()

	if data, err := signaling.EncodePayload(r.key, signaling.Payload{
		Type: signaling.PayloadGoodbye,
		From: r.localID,
	}); err == nil {
		for _, conn := range signalConns {
			conn.Publish(r.name, data, true)
		}
	}

	for _, remove := range removes {
		remove()
	}
	for _, conn := range signalConns {
		conn.Unsubscribe(r.name)
	}
	for _, conn := range conns {
		conn.teardown()
	}
	if busPort != nil {
		busPort.Leave()
	}
}

// HandleConnect re-announces presence after a relay (re)connect, as
// long as the room still has connection capacity.
func (r *Room) HandleConnect(conn *signaling.Conn) {
	r.announceOn([]*signaling.Conn{conn}, true)
}

// HandleDisconnect is part of signaling.Listener. Redialing is owned
// by the connection itself; the room has nothing to do.
func (r *Room) HandleDisconnect(*signaling.Conn, error) {}

// HandleMessage routes inbound relay traffic for this room's topic.
// Undecryptable or malformed payloads are logged and dropped.
func (r *Room) HandleMessage(conn *signaling.Conn, msg signaling.Message) {
	if msg.Type != signaling.MessagePublish || msg.Topic != r.name {
		return
	}
	payload, err := signaling.DecodePayload(r.key, msg.Data)
	if err != nil {
		r.logger.Warn("dropping undecodable room payload", "error", err)
		return
	}
	if payload.From == r.localID {
		return
	}

	switch payload.Type {
	case signaling.PayloadAnnounce:
		r.observePeer(conn, payload.From)
		r.sendWelcome(payload.From)
		r.maybeInitiate(payload.From)

	case signaling.PayloadWelcome:
		if payload.To != "" && payload.To != r.localID {
			return
		}
		r.observePeer(conn, payload.From)
		for _, id := range payload.Peers {
			if id == r.localID {
				continue
			}
			r.observePeer(conn, id)
			r.maybeInitiate(id)
		}

	case signaling.PayloadGoodbye:
		r.handleGoodbye(payload.From)

	case signaling.PayloadSignal:
		if payload.To != r.localID {
			return
		}
		r.observePeer(conn, payload.From)
		r.handleSignal(payload)

	default:
		r.logger.Warn("dropping unknown payload type", "type", payload.Type)
	}
}

// observePeer records signaling-level liveness for a peer and relaxes
// the announce throttle.
func (r *Room) observePeer(conn *signaling.Conn, peerID string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.known[peerID] = time.Now()
	r.mu.Unlock()

	conn.NotePeerActivity()
	r.notify(PeerObserved{PeerID: peerID})
}

// maybeInitiate opens a connection to a peer when this side is the
// designated initiator (lexicographically smaller id) and no attempt
// exists yet.
func (r *Room) maybeInitiate(peerID string) {
	if r.localID >= peerID {
		return
	}

	r.mu.Lock()
	if r.closed || r.conns[peerID] != nil {
		r.mu.Unlock()
		return
	}
	if len(r.conns) >= r.maxPeers {
		r.mu.Unlock()
		r.logger.Debug("at connection capacity, not initiating", "peer", peerID)
		return
	}

	pc, err := r.newPeerConnection()
	if err != nil {
		r.mu.Unlock()
		r.logger.Warn("creating PeerConnection failed", "peer", peerID, "error", err)
		return
	}
	conn := newPeerConn(peerID, true, NewGlareToken(), pc)
	r.conns[peerID] = conn
	r.mu.Unlock()

	r.wirePeer(conn)
	go r.negotiateOffer(conn)
}

// negotiateOffer runs the initiator side: open the sync channel,
// gather a complete offer, and publish it with the glare token.
func (r *Room) negotiateOffer(conn *peerConn) {
	ordered := true
	dc, err := conn.pc.CreateDataChannel("sync", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		r.logger.Warn("creating data channel failed", "peer", conn.id, "error", err)
		r.destroyPeer(conn, "data channel creation", false)
		return
	}
	r.attachChannel(conn, dc)

	offer, err := conn.pc.CreateOffer(nil)
	if err != nil {
		r.destroyPeer(conn, "offer creation", false)
		return
	}
	gatherComplete := webrtc.GatheringCompletePromise(conn.pc)
	if err := conn.pc.SetLocalDescription(offer); err != nil {
		r.destroyPeer(conn, "local description", false)
		return
	}
	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		r.logger.Warn("ICE gathering timed out", "peer", conn.id)
		r.destroyPeer(conn, "gather timeout", false)
		return
	case <-conn.closed:
		return
	}

	r.publishSignal(conn.id, uint64(conn.token), description{
		Kind: "offer",
		SDP:  conn.pc.LocalDescription().SDP,
	})
}

// handleSignal dispatches a directed WebRTC description.
func (r *Room) handleSignal(payload signaling.Payload) {
	var desc description
	if err := json.Unmarshal(payload.Signal, &desc); err != nil {
		r.logger.Warn("dropping malformed signal body", "from", payload.From, "error", err)
		return
	}
	switch desc.Kind {
	case "offer":
		r.handleOffer(payload.From, GlareToken(payload.Token), desc.SDP)
	case "answer":
		r.handleAnswer(payload.From, desc.SDP)
	default:
		r.logger.Warn("dropping unknown signal kind", "kind", desc.Kind, "from", payload.From)
	}
}

// handleOffer answers an inbound offer, resolving glare against any
// pending local offer by token comparison. The same offer arriving via
// a second relay is deduplicated by token.
func (r *Room) handleOffer(from string, token GlareToken, sdp string) {
	var loser *peerConn

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	existing := r.conns[from]
	if existing == nil || !existing.initiator {
		if r.lastOfferToken[from] == token {
			// Duplicate delivery via a second relay.
			r.mu.Unlock()
			return
		}
	}
	if existing != nil {
		if existing.initiator && !existing.isEstablished() && !OfferWins(token, existing.token) {
			// Our pending offer carries the lower token; the remote
			// side will yield and answer it. Ignore theirs.
			r.mu.Unlock()
			return
		}
		// Either we lost the glare race, or the remote side is
		// restarting a connection we thought was live. Yield: clear
		// our token by discarding the attempt, then answer theirs.
		delete(r.conns, from)
		loser = existing
	} else if len(r.conns) >= r.maxPeers {
		r.mu.Unlock()
		r.logger.Debug("at connection capacity, refusing offer", "peer", from)
		return
	}

	pc, err := r.newPeerConnection()
	if err != nil {
		r.mu.Unlock()
		r.logger.Warn("creating answering PeerConnection failed", "peer", from, "error", err)
		return
	}
	conn := newPeerConn(from, false, 0, pc)
	r.conns[from] = conn
	r.lastOfferToken[from] = token
	r.mu.Unlock()

	if loser != nil {
		loser.teardown()
		r.notify(PeerDisconnected{PeerID: loser.id})
	}

	r.wirePeer(conn)
	conn.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		r.attachChannel(conn, dc)
	})

	go r.negotiateAnswer(conn, sdp)
}

// negotiateAnswer runs the answering side of the handshake.
func (r *Room) negotiateAnswer(conn *peerConn, offerSDP string) {
	if err := conn.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}); err != nil {
		r.logger.Warn("setting remote offer failed", "peer", conn.id, "error", err)
		r.destroyPeer(conn, "remote description", false)
		return
	}

	answer, err := conn.pc.CreateAnswer(nil)
	if err != nil {
		r.destroyPeer(conn, "answer creation", false)
		return
	}
	gatherComplete := webrtc.GatheringCompletePromise(conn.pc)
	if err := conn.pc.SetLocalDescription(answer); err != nil {
		r.destroyPeer(conn, "local description", false)
		return
	}
	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		r.logger.Warn("ICE gathering timed out", "peer", conn.id)
		r.destroyPeer(conn, "gather timeout", false)
		return
	case <-conn.closed:
		return
	}

	r.publishSignal(conn.id, 0, description{
		Kind: "answer",
		SDP:  conn.pc.LocalDescription().SDP,
	})
}

// handleAnswer completes the initiator handshake.
func (r *Room) handleAnswer(from, sdp string) {
	r.mu.Lock()
	conn := r.conns[from]
	r.mu.Unlock()

	if conn == nil || !conn.initiator {
		r.logger.Debug("dropping answer with no pending offer", "from", from)
		return
	}
	if conn.pc.SignalingState() == webrtc.SignalingStateStable {
		// Duplicate answer via a second relay.
		return
	}
	if err := conn.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}); err != nil {
		r.logger.Warn("setting remote answer failed", "peer", from, "error", err)
		r.destroyPeer(conn, "remote answer", true)
	}
}

// handleGoodbye removes a peer that announced a graceful shutdown.
func (r *Room) handleGoodbye(peerID string) {
	r.mu.Lock()
	delete(r.known, peerID)
	conn := r.conns[peerID]
	r.mu.Unlock()

	if conn != nil {
		r.destroyPeer(conn, "goodbye", true)
	}
}

// wirePeer installs the ICE state machine hooks shared by both sides.
func (r *Room) wirePeer(conn *peerConn) {
	conn.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		conn.setICEState(state)
		r.notify(ICEStateChanged{PeerID: conn.id, State: state})

		switch state {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			conn.markSeen()

		case webrtc.ICEConnectionStateFailed:
			r.logger.Warn("peer ICE failed", "peer", conn.id)
			// Policy decides on a forced relay before the teardown
			// event triggers a plain re-announce cycle.
			r.notify(PeerICEFailed{PeerID: conn.id})
			r.destroyPeer(conn, "ice failed", true)

		case webrtc.ICEConnectionStateClosed:
			r.destroyPeer(conn, "ice closed", true)
		}
	})
}

// attachChannel wires the sync data channel on either side.
func (r *Room) attachChannel(conn *peerConn, dc *webrtc.DataChannel) {
	conn.setChannel(dc)

	dc.OnOpen(func() {
		conn.markEstablished()
		conn.startWorker(r)
		r.logger.Info("peer connected", "peer", conn.id, "initiator", conn.initiator)

		r.mu.Lock()
		for _, sc := range r.signalConns {
			sc.NotePeerActivity()
		}
		webrtcPeers, busPeers := r.membershipLocked()
		r.mu.Unlock()

		r.notify(PeerConnected{PeerID: conn.id})
		r.notify(PeersChanged{Added: []string{conn.id}, WebRTC: webrtcPeers, Bus: busPeers})
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		kind, payload, err := r.codec.Decode(msg.Data)
		if err != nil {
			r.logger.Warn("dropping peer with undecodable frame", "peer", conn.id, "error", err)
			r.destroyPeer(conn, "frame decode", true)
			return
		}
		conn.markSeen()
		r.notify(PeerMessage{PeerID: conn.id, Kind: kind, Payload: payload})
	})

	dc.OnClose(func() {
		r.destroyPeer(conn, "channel closed", true)
	})
}

// destroyPeer removes one connection from the table, tears it down,
// and — when the peer should stay discoverable — re-announces local
// presence through the throttle queue.
func (r *Room) destroyPeer(conn *peerConn, reason string, reannounce bool) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		conn.teardown()
		return
	}
	present := r.conns[conn.id] == conn
	if present {
		delete(r.conns, conn.id)
	}
	webrtcPeers, busPeers := r.membershipLocked()
	signalConns := r.signalConns
	r.mu.Unlock()

	conn.teardown()
	if !present {
		return
	}

	r.logger.Info("peer connection destroyed", "peer", conn.id, "reason", reason)
	r.notify(PeerDisconnected{PeerID: conn.id})
	r.notify(PeersChanged{Removed: []string{conn.id}, WebRTC: webrtcPeers, Bus: busPeers})

	if reannounce {
		r.announceOn(signalConns, false)
	}
}

// announceOn publishes presence on the given relay connections, unless
// the room is already at connection capacity.
func (r *Room) announceOn(conns []*signaling.Conn, urgent bool) {
	r.mu.Lock()
	if r.closed || len(r.conns) >= r.maxPeers {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	data, err := signaling.EncodePayload(r.key, signaling.Payload{
		Type: signaling.PayloadAnnounce,
		From: r.localID,
	})
	if err != nil {
		r.logger.Warn("encoding announce failed", "error", err)
		return
	}
	for _, conn := range conns {
		if err := conn.Publish(r.name, data, urgent); err != nil {
			r.logger.Warn("announce failed", "relay", conn.URL(), "error", err)
		}
	}
}

// Announce queues a presence announcement on every attached relay.
func (r *Room) Announce() {
	r.mu.Lock()
	conns := r.signalConns
	r.mu.Unlock()
	r.announceOn(conns, false)
}

// sendWelcome shares the known peer set with a peer that just
// announced, so a newcomer discovers the mesh in one round-trip.
func (r *Room) sendWelcome(to string) {
	r.mu.Lock()
	peers := make([]string, 0, len(r.known)+1)
	peers = append(peers, r.localID)
	for id := range r.known {
		if id != to {
			peers = append(peers, id)
		}
	}
	conns := r.signalConns
	r.mu.Unlock()
	sort.Strings(peers)

	data, err := signaling.EncodePayload(r.key, signaling.Payload{
		Type:  signaling.PayloadWelcome,
		From:  r.localID,
		To:    to,
		Peers: peers,
	})
	if err != nil {
		r.logger.Warn("encoding welcome failed", "error", err)
		return
	}
	for _, conn := range conns {
		if err := conn.Publish(r.name, data, true); err != nil {
			r.logger.Warn("welcome send failed", "relay", conn.URL(), "error", err)
		}
	}
}

// publishSignal sends a directed description on every attached relay;
// directed traffic always bypasses the throttle queue.
func (r *Room) publishSignal(to string, token uint64, desc description) {
	body, err := json.Marshal(desc)
	if err != nil {
		r.logger.Warn("encoding signal failed", "error", err)
		return
	}
	data, err := signaling.EncodePayload(r.key, signaling.Payload{
		Type:   signaling.PayloadSignal,
		From:   r.localID,
		To:     to,
		Token:  token,
		Signal: body,
	})
	if err != nil {
		r.logger.Warn("encrypting signal failed", "error", err)
		return
	}

	r.mu.Lock()
	conns := r.signalConns
	r.mu.Unlock()
	for _, conn := range conns {
		if err := conn.Publish(r.name, data, true); err != nil {
			r.logger.Warn("signal send failed", "relay", conn.URL(), "error", err)
		}
	}
}

// Send delivers a frame to one peer: over the data channel when the
// peer is directly connected, over the bus when it is a local tab.
func (r *Room) Send(peerID string, kind FrameKind, payload []byte) error {
	r.mu.Lock()
	conn := r.conns[peerID]
	busPort := r.busPort
	r.mu.Unlock()

	if conn != nil && conn.isEstablished() {
		return conn.enqueue(kind, payload)
	}
	if busPort != nil && slices.Contains(busPort.Peers(), peerID) {
		busPort.Broadcast(kind, payload)
		return nil
	}
	return fmt.Errorf("mesh: no open channel to %s", peerID)
}

// Broadcast delivers a frame to every connected peer and every bus tab.
func (r *Room) Broadcast(kind FrameKind, payload []byte) {
	r.mu.Lock()
	conns := make([]*peerConn, 0, len(r.conns))
	for _, conn := range r.conns {
		if conn.isEstablished() {
			conns = append(conns, conn)
		}
	}
	busPort := r.busPort
	r.mu.Unlock()

	for _, conn := range conns {
		if err := conn.enqueue(kind, payload); err != nil {
			r.logger.Debug("broadcast skipped peer", "peer", conn.id, "error", err)
		}
	}
	if busPort != nil {
		busPort.Broadcast(kind, payload)
	}
}

// WebRTCPeers returns the ids of peers with an open data channel.
func (r *Room) WebRTCPeers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers, _ := r.membershipLocked()
	return peers
}

// BusPeers returns the ids of other tabs on the broadcast bus.
func (r *Room) BusPeers() []string {
	r.mu.Lock()
	port := r.busPort
	r.mu.Unlock()
	if port == nil {
		return nil
	}
	return port.Peers()
}

// KnownPeerCount returns how many peers have been observed on
// signaling, connected or not.
func (r *Room) KnownPeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.known)
}

// LastSeen returns when a peer was last observed on signaling or
// webrtc, or a zero time for an unknown peer.
func (r *Room) LastSeen(peerID string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := r.known[peerID]
	if conn := r.conns[peerID]; conn != nil {
		if connSeen := conn.state().LastSeenAt; connSeen.After(seen) {
			seen = connSeen
		}
	}
	return seen
}

// PeerStates returns the per-peer table: every peer observed on
// signaling, with connection detail for those that have one.
func (r *Room) PeerStates() []PeerState {
	r.mu.Lock()
	states := make([]PeerState, 0, len(r.known))
	for id, seen := range r.known {
		if conn := r.conns[id]; conn != nil {
			state := conn.state()
			if seen.After(state.LastSeenAt) {
				state.LastSeenAt = seen
			}
			states = append(states, state)
			continue
		}
		states = append(states, PeerState{PeerID: id, LastSeenAt: seen})
	}
	r.mu.Unlock()

	sort.Slice(states, func(i, j int) bool { return states[i].PeerID < states[j].PeerID })
	return states
}

// busPeersChanged recomputes the membership diff when tabs join or
// leave the bus.
func (r *Room) busPeersChanged() {
	r.mu.Lock()
	if r.closed || r.busPort == nil {
		r.mu.Unlock()
		return
	}
	current := r.busPort.Peers()
	sort.Strings(current)
	previous := r.lastBusPeers
	r.lastBusPeers = current
	webrtcPeers, _ := r.membershipLocked()
	r.mu.Unlock()

	added, removed := diffPeers(previous, current)
	if len(added) == 0 && len(removed) == 0 {
		return
	}
	r.notify(PeersChanged{Added: added, Removed: removed, WebRTC: webrtcPeers, Bus: current})
}

// membershipLocked returns the established webrtc peer list and the
// bus peer list. Caller must hold r.mu.
func (r *Room) membershipLocked() (webrtcPeers, busPeers []string) {
	for id, conn := range r.conns {
		if conn.isEstablished() {
			webrtcPeers = append(webrtcPeers, id)
		}
	}
	sort.Strings(webrtcPeers)
	if r.busPort != nil {
		busPeers = r.busPort.Peers()
		sort.Strings(busPeers)
	}
	return webrtcPeers, busPeers
}

// newPeerConnection builds a pion PeerConnection with this room's ICE
// configuration. Loopback candidates are enabled so same-machine and
// test environments work without STUN.
func (r *Room) newPeerConnection() (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(r.webrtc)
}

// diffPeers computes added and removed ids between two sorted lists.
func diffPeers(previous, current []string) (added, removed []string) {
	for _, id := range current {
		if !slices.Contains(previous, id) {
			added = append(added, id)
		}
	}
	for _, id := range previous {
		if !slices.Contains(current, id) {
			removed = append(removed, id)
		}
	}
	return added, removed
}
