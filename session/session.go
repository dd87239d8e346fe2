// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

// Package session drives one synchronized task list: it owns the
// signaling connections, the peer mesh, the ICE escalation policy,
// the resync protocol, and the lifecycle watchdog, and moves document
// updates between the local store and the mesh. Exactly one mesh
// generation is live at a time; every rebuild tears the previous one
// down completely before the replacement exists.
package session

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskweave/taskweave/document"
	"github.com/taskweave/taskweave/ice"
	"github.com/taskweave/taskweave/lib/clock"
	"github.com/taskweave/taskweave/mesh"
	"github.com/taskweave/taskweave/signaling"
)

// Tuning collects the session's policy knobs. The zero value gets
// defaults suitable for a handful of household-sized rooms.
type Tuning struct {
	Signaling signaling.Tuning
	ICE       ice.Tuning

	// ResyncAttempts bounds delivery retries while a peer's channel
	// is not yet writable.
	ResyncAttempts int
	// ResyncInterval spaces those retries.
	ResyncInterval time.Duration
	// ResyncCooldown suppresses repeat resyncs to the same peer, so
	// flapping presence cannot trigger a full-state storm.
	ResyncCooldown time.Duration

	// StalePeerThreshold is how long a peer must have been silent for
	// its reappearance on signaling to trigger a resync.
	StalePeerThreshold time.Duration

	// SignalingStaleAfter is the watchdog's freshness threshold: no
	// relay message for this long counts as stale.
	SignalingStaleAfter time.Duration
	// WatchdogInterval spaces the independent staleness checks.
	WatchdogInterval time.Duration

	// MaxPeers caps direct connections per room.
	MaxPeers int
	// Compression selects the outgoing data-channel codec.
	Compression mesh.CompressionTag
}

func (t Tuning) withDefaults() Tuning {
	if t.ResyncAttempts <= 0 {
		t.ResyncAttempts = 5
	}
	if t.ResyncInterval <= 0 {
		t.ResyncInterval = time.Second
	}
	if t.ResyncCooldown <= 0 {
		t.ResyncCooldown = 15 * time.Second
	}
	if t.StalePeerThreshold <= 0 {
		t.StalePeerThreshold = 30 * time.Second
	}
	if t.SignalingStaleAfter <= 0 {
		t.SignalingStaleAfter = 40 * time.Second
	}
	if t.WatchdogInterval <= 0 {
		t.WatchdogInterval = 10 * time.Second
	}
	return t
}

// Config assembles a Session. Room, SignalingURLs, and Store are
// required; Secret is required unless Insecure is set.
type Config struct {
	// Room is the synchronization namespace shared by all replicas.
	Room string

	// Secret is the shared key material; every payload on signaling
	// is encrypted with a key derived from it and the room name.
	Secret string

	// Insecure permits an empty secret: payloads travel the relay in
	// clear. Only sensible on a trusted private relay.
	Insecure bool

	// SignalingURLs lists the relay websocket endpoints. Connections
	// are shared across sessions through the pool.
	SignalingURLs []string

	// TURN credential provider; Enabled gates any TURN usage.
	TURNEnabled  bool
	TURNEndpoint string
	TURNAPIKey   string

	// Profile captures platform quirks for ICE and the watchdog.
	Profile DeviceProfile

	// Store is the replicated document. Required.
	Store document.Store

	// LocalID identifies this replica; a random id when empty.
	LocalID string

	// Bus connects same-process replicas without any network.
	Bus *mesh.Bus

	// Pool shares relay connections across sessions; a private pool
	// is created when nil.
	Pool *signaling.Pool

	Tuning   Tuning
	Observer Observer
	Logger   *slog.Logger
}

func (c Config) validate() error {
	if c.Room == "" {
		return fmt.Errorf("session: room name is required")
	}
	if c.Secret == "" && !c.Insecure {
		return fmt.Errorf("session: secret is required (or set insecure)")
	}
	if len(c.SignalingURLs) == 0 && c.Bus == nil {
		return fmt.Errorf("session: at least one signaling url (or a bus) is required")
	}
	if c.Store == nil {
		return fmt.Errorf("session: document store is required")
	}
	return nil
}

// generation is one live mesh build. Rebuilds replace the whole
// struct; nothing inside it survives a teardown.
type generation struct {
	number int
	room   *mesh.Room
	conns  []*signaling.Conn
	detach []func()
	resync *resyncManager
}

// Session is the public entry point. All methods are safe for
// concurrent use.
type Session struct {
	cfg       Config
	tuning    Tuning
	localID   string
	key       *signaling.Key
	store     document.Store
	awareness *document.Awareness
	pool      *signaling.Pool
	policy    *ice.Policy
	watchdog  *watchdog
	observer  Observer
	logger    *slog.Logger

	// rebuildMu serializes mesh replacement end to end. Watchdog
	// nudges, the escalation timer, forced relays, and caller-invoked
	// reconnects all funnel into rebuild concurrently; without the
	// serialization two builds could interleave and strand a live
	// generation that nothing ever tears down.
	rebuildMu sync.Mutex

	mu            sync.Mutex
	current       *generation
	generations   int
	peerSeen      map[string]time.Time
	lastObserved  time.Time
	cancelUpdates func()
	disposed      bool
}

// New validates the configuration and assembles a session. No network
// activity happens until Start.
func New(cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	tuning := cfg.Tuning.withDefaults()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = NopObserver{}
	}
	localID := cfg.LocalID
	if localID == "" {
		localID = uuid.NewString()
	}
	logger = logger.With("room", cfg.Room, "peer", localID)

	var key *signaling.Key
	if cfg.Secret != "" {
		derived, err := signaling.DeriveKey(cfg.Secret, cfg.Room)
		if err != nil {
			return nil, err
		}
		key = derived
	}

	pool := cfg.Pool
	if pool == nil {
		pool = signaling.NewPool(tuning.Signaling, logger)
	}

	s := &Session{
		cfg:       cfg,
		tuning:    tuning,
		localID:   localID,
		key:       key,
		store:     cfg.Store,
		awareness: document.NewAwareness(localID),
		pool:      pool,
		observer:  observer,
		logger:    logger,
		peerSeen:  make(map[string]time.Time),
	}

	var credentials *ice.CredentialClient
	if cfg.TURNEnabled && cfg.TURNEndpoint != "" {
		credentials = ice.NewCredentialClient(cfg.TURNEndpoint, cfg.TURNAPIKey, 0, logger)
	}
	s.policy = ice.NewPolicy(ice.PolicyConfig{
		Credentials:      credentials,
		ExclusiveMode:    cfg.Profile.ExclusiveICE,
		Tuning:           tuning.ICE,
		Logger:           logger,
		ConnectedPeers:   s.connectedPeerCount,
		LastPeerObserved: s.lastPeerObserved,
		Escalate: func(config ice.Config) error {
			return s.rebuild(config, "ice escalation", false)
		},
	})

	s.watchdog = newWatchdog(cfg.Profile,
		tuning.SignalingStaleAfter, tuning.WatchdogInterval,
		s.lastSignalAt, s.connectedPeerCount,
		func(reason string) {
			if err := s.SoftReconnect(reason); err != nil {
				logger.Warn("soft reconnect failed", "reason", reason, "error", err)
			}
		},
		func(reason string) {
			if err := s.Restart(reason); err != nil {
				logger.Warn("restart failed", "reason", reason, "error", err)
			}
		},
		clock.Real(), logger)

	// Local document mutations fan out to every connected replica.
	s.cancelUpdates = s.store.OnUpdate(func(update []byte) {
		s.broadcastEnvelope(envelope{Type: envelopeUpdate, Update: update})
	})
	return s, nil
}

// Start builds the first mesh generation at the policy's initial ICE
// configuration and arms the watchdog. The TURN credential fetch runs
// concurrently; Start never blocks on the credential endpoint.
func (s *Session) Start(reason string) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return fmt.Errorf("session: disposed")
	}
	already := s.current != nil
	s.mu.Unlock()
	if already {
		return fmt.Errorf("session: already started")
	}

	if err := s.rebuild(s.policy.InitialConfig(), reason, false); err != nil {
		return err
	}
	go s.policy.PrefetchTURN()
	s.watchdog.start()
	return nil
}

// Restart performs a full rebuild at the best known configuration,
// redialing the relays. Used when the existing sockets cannot be
// trusted.
func (s *Session) Restart(reason string) error {
	return s.rebuild(s.policy.Current(), reason, false)
}

// SoftReconnect rebuilds the mesh without changing the ICE
// configuration and without touching the relay sockets — the cheap
// recovery for recoverable staleness.
func (s *Session) SoftReconnect(reason string) error {
	return s.rebuild(s.policy.Current(), reason, true)
}

// ForceRelay rebuilds with relay-only transport after an ICE failure.
// Refused (and reported as a diagnostic, not an error) when no TURN
// servers are cached, transport is already relay-only, or a forced
// relay ran inside the cooldown.
func (s *Session) ForceRelay(reason string) error {
	config, ok := s.policy.ForceRelay()
	if !ok {
		s.observer.DiagnosticEvent(Diagnostic{
			Name:    "force-relay-refused",
			Level:   slog.LevelInfo,
			Payload: map[string]any{"reason": reason},
		})
		return nil
	}
	s.logger.Info("forcing relay transport", "reason", reason)
	return s.rebuild(config, reason, false)
}

// rebuild is the single path that replaces the mesh, serialized end
// to end. The previous generation is destroyed completely — room,
// resync chains, escalation timer, and (unless keepRelays) the relay
// references — before the new one is built. With keepRelays the open
// relay connections transfer to the new generation instead of being
// released and redialed.
func (s *Session) rebuild(config ice.Config, reason string, keepRelays bool) error {
	s.rebuildMu.Lock()
	defer s.rebuildMu.Unlock()

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return fmt.Errorf("session: disposed")
	}
	previous := s.current
	s.current = nil
	s.generations++
	number := s.generations
	s.mu.Unlock()

	var inherited *generation
	if previous != nil {
		if keepRelays {
			inherited = previous
			s.teardownRoom(previous)
		} else {
			s.teardown(previous)
		}
	}
	s.logger.Info("building mesh", "generation", number, "reason", reason,
		"ice", config.Mode, "transport", config.Transport)

	gen := &generation{number: number}
	gen.resync = newResyncManager(
		func() ([]byte, error) { return buildResync(s.store, s.awareness) },
		func(peerID string, payload []byte) error {
			return gen.room.Send(peerID, mesh.FrameBinary, payload)
		},
		s.tuning.ResyncAttempts, s.tuning.ResyncInterval, s.tuning.ResyncCooldown,
		clock.Real(), s.logger)

	room, err := mesh.NewRoom(mesh.RoomConfig{
		Name:        s.cfg.Room,
		LocalID:     s.localID,
		Key:         s.key,
		WebRTC:      config.WebRTC(),
		MaxPeers:    s.tuning.MaxPeers,
		Compression: s.tuning.Compression,
		Bus:         s.cfg.Bus,
		Logger:      s.logger,
		Notify:      func(event mesh.Event) { s.handleEvent(gen, event) },
	})
	if err != nil {
		gen.resync.stop()
		if inherited != nil {
			s.releaseRelays(inherited)
		}
		return err
	}
	gen.room = room

	if inherited != nil {
		gen.conns = inherited.conns
		gen.detach = inherited.detach
	} else {
		for _, url := range s.cfg.SignalingURLs {
			conn, release := s.pool.Acquire(url)
			gen.conns = append(gen.conns, conn)
			gen.detach = append(gen.detach, release)
			gen.detach = append(gen.detach, conn.AddListener(&relayWatch{session: s}))
			conn.Start()
		}
	}
	room.Attach(gen.conns...)

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		s.teardown(gen)
		return fmt.Errorf("session: disposed")
	}
	s.current = gen
	s.mu.Unlock()

	s.policy.ScheduleEscalation()
	s.emitStatus(gen)

	// Tabs already on the bus joined before this generation could see
	// their arrival; bootstrap them explicitly.
	for _, id := range gen.room.BusPeers() {
		gen.resync.trigger(id, true)
	}
	return nil
}

// teardown destroys one generation: all timers cleared, then the
// room, then the relay references released.
func (s *Session) teardown(gen *generation) {
	s.teardownRoom(gen)
	s.releaseRelays(gen)
}

// teardownRoom clears the generation's timers and closes its room,
// leaving the relay references alive for a successor to inherit.
func (s *Session) teardownRoom(gen *generation) {
	gen.resync.stop()
	s.policy.CancelEscalation()
	gen.room.Close()
}

func (s *Session) releaseRelays(gen *generation) {
	for _, detach := range gen.detach {
		detach()
	}
}

// Dispose tears the session down permanently.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	gen := s.current
	s.current = nil
	s.mu.Unlock()

	s.watchdog.close()
	s.policy.Stop()
	if s.cancelUpdates != nil {
		s.cancelUpdates()
	}
	if gen != nil {
		s.teardown(gen)
	}
	s.logger.Info("session disposed")
}

// handleEvent processes room events for one generation. Events from a
// torn-down generation are dropped.
func (s *Session) handleEvent(gen *generation, event mesh.Event) {
	s.mu.Lock()
	live := s.current == gen
	s.mu.Unlock()
	if !live {
		return
	}

	switch e := event.(type) {
	case mesh.PeerObserved:
		s.mu.Lock()
		s.lastObserved = time.Now()
		previous, seen := s.peerSeen[e.PeerID]
		s.peerSeen[e.PeerID] = time.Now()
		stale := seen && time.Since(previous) > s.tuning.StalePeerThreshold
		s.mu.Unlock()
		if stale {
			// A peer back from the dead may have missed updates the
			// incremental stream already dropped.
			gen.resync.trigger(e.PeerID, false)
		}

	case mesh.PeerConnected:
		gen.resync.trigger(e.PeerID, true)
		s.emitStatus(gen)

	case mesh.PeerDisconnected:
		s.awareness.Remove(e.PeerID)
		gen.resync.forget(e.PeerID)
		s.emitStatus(gen)

	case mesh.PeerICEFailed:
		// Rebuilding from inside a room callback would deadlock on
		// the room's own teardown.
		go func() {
			if err := s.ForceRelay("peer ice failed: " + e.PeerID); err != nil {
				s.logger.Warn("forced relay failed", "error", err)
			}
		}()

	case mesh.PeersChanged:
		// A tab appearing on the bus never goes through the webrtc
		// connect path, so bootstrap it from here.
		for _, id := range e.Added {
			if slices.Contains(e.Bus, id) {
				gen.resync.trigger(id, true)
			}
		}
		s.emitStatus(gen)
		s.observer.PeersChanged(gen.room.PeerStates())

	case mesh.ICEStateChanged:
		s.observer.DiagnosticEvent(Diagnostic{
			Name:  "ice-state",
			Level: slog.LevelDebug,
			Payload: map[string]any{
				"peer":  e.PeerID,
				"state": e.State.String(),
			},
		})

	case mesh.PeerMessage:
		s.handleFrame(gen, e)
	}
}

// handleFrame processes one inbound data-channel or bus frame.
func (s *Session) handleFrame(gen *generation, frame mesh.PeerMessage) {
	if frame.Kind != mesh.FrameBinary {
		return
	}
	env, err := decodeEnvelope(frame.Payload)
	if err != nil {
		s.logger.Warn("dropping malformed frame", "peer", frame.PeerID, "error", err)
		return
	}

	switch env.Type {
	case envelopeUpdate:
		// A newly-applied update re-fires the store's update hook,
		// which gossips it onward to the rest of the mesh and the
		// local tabs; digest dedup stops the echo there.
		if _, err := s.store.ApplyUpdate(env.Update); err != nil {
			s.logger.Warn("dropping bad update", "peer", frame.PeerID, "error", err)
		}

	case envelopeResync:
		s.handleResync(gen, frame.PeerID, env)

	case envelopeAwareness:
		if env.Awareness != nil && env.From != "" {
			s.awareness.Apply(env.From, *env.Awareness)
		}

	default:
		s.logger.Warn("dropping unknown envelope type", "type", env.Type, "peer", frame.PeerID)
	}
}

// handleResync merges a peer's full state and answers its
// state-vector request with everything it is missing.
func (s *Session) handleResync(gen *generation, peerID string, env envelope) {
	if len(env.State) > 0 {
		if _, err := s.store.ApplyUpdate(env.State); err != nil {
			s.logger.Warn("dropping bad resync state", "peer", peerID, "error", err)
			return
		}
	}

	if len(env.StateVector) > 0 {
		diff, err := s.store.DiffUpdate(env.StateVector)
		if err != nil {
			s.logger.Warn("computing resync diff failed", "peer", peerID, "error", err)
		} else if len(diff) > 0 {
			s.sendEnvelope(gen, peerID, envelope{Type: envelopeUpdate, Update: diff})
		}
	}

	if env.Awareness != nil && env.From != "" {
		s.awareness.Apply(env.From, *env.Awareness)
	}
	if env.AwarenessQuery {
		local := s.awareness.Local()
		s.sendEnvelope(gen, peerID, envelope{
			Type:      envelopeAwareness,
			From:      s.localID,
			Awareness: &local,
		})
	}
}

func (s *Session) sendEnvelope(gen *generation, peerID string, env envelope) {
	payload, err := encodeEnvelope(env)
	if err != nil {
		s.logger.Warn("encoding envelope failed", "type", env.Type, "error", err)
		return
	}
	if err := gen.room.Send(peerID, mesh.FrameBinary, payload); err != nil {
		s.logger.Debug("envelope send failed", "type", env.Type, "peer", peerID, "error", err)
	}
}

func (s *Session) broadcastEnvelope(env envelope) {
	s.mu.Lock()
	gen := s.current
	s.mu.Unlock()
	if gen == nil {
		return
	}
	payload, err := encodeEnvelope(env)
	if err != nil {
		s.logger.Warn("encoding envelope failed", "type", env.Type, "error", err)
		return
	}
	gen.room.Broadcast(mesh.FrameBinary, payload)
}

// SetAwareness replaces the local presence blob and broadcasts it.
func (s *Session) SetAwareness(state []byte) {
	s.awareness.SetLocal(state)
	local := s.awareness.Local()
	s.broadcastEnvelope(envelope{
		Type:      envelopeAwareness,
		From:      s.localID,
		Awareness: &local,
	})
}

// Awareness exposes the room's presence view.
func (s *Session) Awareness() *document.Awareness {
	return s.awareness
}

// SetVisible feeds a visibility transition to the watchdog.
func (s *Session) SetVisible(visible bool) {
	s.watchdog.setVisible(visible)
}

// SetOnline feeds a connectivity transition to the watchdog.
func (s *Session) SetOnline(online bool) {
	s.watchdog.setOnline(online)
}

// LocalID returns this replica's peer id.
func (s *Session) LocalID() string {
	return s.localID
}

// Status returns the current connection summary.
func (s *Session) Status() Status {
	s.mu.Lock()
	gen := s.current
	s.mu.Unlock()
	if gen == nil {
		return Status{}
	}
	return statusOf(gen)
}

// PeerStates returns the per-peer state table.
func (s *Session) PeerStates() []mesh.PeerState {
	s.mu.Lock()
	gen := s.current
	s.mu.Unlock()
	if gen == nil {
		return nil
	}
	return gen.room.PeerStates()
}

// RelayStatuses reports each signaling relay's state.
func (s *Session) RelayStatuses() []signaling.RelayStatus {
	s.mu.Lock()
	gen := s.current
	s.mu.Unlock()
	if gen == nil {
		return nil
	}
	statuses := make([]signaling.RelayStatus, 0, len(gen.conns))
	for _, conn := range gen.conns {
		statuses = append(statuses, conn.Status())
	}
	return statuses
}

func statusOf(gen *generation) Status {
	webrtcPeers := gen.room.WebRTCPeers()
	busPeers := gen.room.BusPeers()
	return Status{
		Connected:   len(webrtcPeers)+len(busPeers) > 0,
		PeerCount:   len(webrtcPeers) + len(busPeers),
		WebRTCPeers: webrtcPeers,
		BusPeers:    busPeers,
	}
}

func (s *Session) emitStatus(gen *generation) {
	s.observer.StatusChanged(statusOf(gen))
}

// connectedPeerCount queries the live generation for the escalation
// policy and the watchdog.
func (s *Session) connectedPeerCount() int {
	s.mu.Lock()
	gen := s.current
	s.mu.Unlock()
	if gen == nil {
		return 0
	}
	return len(gen.room.WebRTCPeers()) + len(gen.room.BusPeers())
}

func (s *Session) lastPeerObserved() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastObserved
}

// lastSignalAt reports the freshest relay message time across the
// live generation's connections.
func (s *Session) lastSignalAt() time.Time {
	s.mu.Lock()
	gen := s.current
	s.mu.Unlock()
	if gen == nil {
		return time.Time{}
	}
	var last time.Time
	for _, conn := range gen.conns {
		if at := conn.LastMessageAt(); at.After(last) {
			last = at
		}
	}
	return last
}

// relayWatch forwards relay lifecycle transitions to the observer.
type relayWatch struct {
	session *Session
}

func (w *relayWatch) HandleConnect(conn *signaling.Conn) {
	w.session.observer.RelayChanged(conn.Status())
}

func (w *relayWatch) HandleDisconnect(conn *signaling.Conn, err error) {
	w.session.observer.RelayChanged(conn.Status())
}

func (w *relayWatch) HandleMessage(*signaling.Conn, signaling.Message) {}
