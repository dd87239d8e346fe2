// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

// Package ice chooses the ICE server configuration for a session and
// decides when to escalate it: STUN-only by default, merged TURN+STUN
// once credentials are available, relay-only as a last resort after an
// ICE failure. Configurations are replaced wholesale — a change always
// means a full mesh rebuild, never an in-place server swap.
package ice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/taskweave/taskweave/lib/clock"
)

// Mode names the server mix of a configuration.
type Mode string

const (
	ModeSTUN     Mode = "stun"
	ModeTURN     Mode = "turn"
	ModeTURNSTUN Mode = "turn+stun"
)

// Transport is the candidate transport policy.
type Transport string

const (
	// TransportAll allows direct, reflexive, and relayed candidates.
	TransportAll Transport = "all"
	// TransportRelay restricts to relayed candidates, forcing traffic
	// through TURN.
	TransportRelay Transport = "relay"
)

// DefaultSTUNServers are the zero-configuration STUN servers.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:global.stun.twilio.com:3478?transport=udp",
}

// Config is one immutable ICE configuration.
type Config struct {
	Mode      Mode
	Transport Transport
	Servers   []webrtc.ICEServer
}

// WebRTC converts the configuration for pion.
func (c Config) WebRTC() webrtc.Configuration {
	policy := webrtc.ICETransportPolicyAll
	if c.Transport == TransportRelay {
		policy = webrtc.ICETransportPolicyRelay
	}
	return webrtc.Configuration{
		ICEServers:         c.Servers,
		ICETransportPolicy: policy,
	}
}

func stunOnly() Config {
	return Config{
		Mode:      ModeSTUN,
		Transport: TransportAll,
		Servers:   []webrtc.ICEServer{{URLs: DefaultSTUNServers}},
	}
}

// Tuning holds the escalation timing knobs. The values are policy, not
// protocol; the defaults are conservative.
type Tuning struct {
	// EscalationDelay is the pause after session start before the
	// first escalation attempt.
	EscalationDelay time.Duration

	// GraceWindow defers escalation while a peer was observed on
	// signaling this recently; a direct connection is probably about
	// to succeed, and a rebuild now would kill the handshake.
	GraceWindow time.Duration

	// MaxEscalationWait bounds the total deferral. After this long
	// the escalation proceeds regardless of recent observations.
	MaxEscalationWait time.Duration

	// RelayCooldown is the minimum spacing between forced relay
	// reconnects, so repeated ICE failures cannot thrash the mesh.
	RelayCooldown time.Duration
}

func (t Tuning) withDefaults() Tuning {
	if t.EscalationDelay <= 0 {
		t.EscalationDelay = time.Second
	}
	if t.GraceWindow <= 0 {
		t.GraceWindow = 3 * time.Second
	}
	if t.MaxEscalationWait <= 0 {
		t.MaxEscalationWait = 20 * time.Second
	}
	if t.RelayCooldown <= 0 {
		t.RelayCooldown = 30 * time.Second
	}
	return t
}

// PolicyConfig wires a Policy to its session.
type PolicyConfig struct {
	// Credentials fetches TURN servers; nil disables TURN entirely.
	Credentials *CredentialClient

	// ExclusiveMode marks device profiles that mishandle merged
	// candidate lists: escalation then targets a single server kind
	// instead of TURN+STUN.
	ExclusiveMode bool

	Tuning Tuning
	Logger *slog.Logger

	// Clock drives the escalation timer and cooldowns. Nil means the
	// real clock; tests inject a fake.
	Clock clock.Clock

	// ConnectedPeers reports how many peers currently have an open
	// data channel. Escalation is skipped while this is nonzero.
	ConnectedPeers func() int

	// LastPeerObserved reports when a peer was last seen on
	// signaling; the zero time means never.
	LastPeerObserved func() time.Time

	// Escalate asks the session to rebuild the mesh at a new
	// configuration. Called from the escalation timer goroutine. A
	// non-nil error means the mesh never adopted the configuration;
	// the policy keeps reporting the old one.
	Escalate func(Config) error
}

// Policy tracks the active ICE configuration and runs the escalation
// timer. One Policy serves one session generation at a time; Stop
// clears any pending timer before a replacement is armed.
type Policy struct {
	credentials      *CredentialClient
	exclusiveMode    bool
	tuning           Tuning
	clk              clock.Clock
	logger           *slog.Logger
	connectedPeers   func() int
	lastPeerObserved func() time.Time
	escalate         func(Config) error

	mu              sync.Mutex
	current         Config
	timer           *clock.Timer
	escalationFrom  time.Time
	lastForcedRelay time.Time
	stopped         bool
}

// NewPolicy creates a policy starting from the STUN-only default.
func NewPolicy(cfg PolicyConfig) *Policy {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	connectedPeers := cfg.ConnectedPeers
	if connectedPeers == nil {
		connectedPeers = func() int { return 0 }
	}
	lastPeerObserved := cfg.LastPeerObserved
	if lastPeerObserved == nil {
		lastPeerObserved = func() time.Time { return time.Time{} }
	}
	escalate := cfg.Escalate
	if escalate == nil {
		escalate = func(Config) error { return nil }
	}
	return &Policy{
		credentials:      cfg.Credentials,
		exclusiveMode:    cfg.ExclusiveMode,
		tuning:           cfg.Tuning.withDefaults(),
		clk:              clk,
		logger:           logger,
		connectedPeers:   connectedPeers,
		lastPeerObserved: lastPeerObserved,
		escalate:         escalate,
		current:          stunOnly(),
	}
}

// InitialConfig picks the starting configuration without touching the
// network: STUN-only, unless TURN credentials are already cached from
// an earlier build and no peer has been discovered yet, in which case
// the session starts TURN-first — an unknown network is the case
// where a relay path most often saves the first connection. The first
// build of a fresh session never has a cache; PrefetchTURN fills it
// concurrently after the mesh is up.
func (p *Policy) InitialConfig() Config {
	config := stunOnly()
	if p.credentials != nil {
		if turn, ok := p.credentials.Cached(); ok && p.lastPeerObserved().IsZero() {
			config = p.turnTarget(turn)
		}
	}

	p.mu.Lock()
	p.current = config
	p.mu.Unlock()
	return config
}

// PrefetchTURN fetches TURN credentials, time-boxed, and — when no
// peer has shown up by the time they arrive — moves straight to the
// TURN-first configuration. Blocking; the session runs it on its own
// goroutine after the first mesh build so startup never waits on the
// credential endpoint. With a peer already visible the fetch only
// warms the cache and the escalation timer takes it from there.
func (p *Policy) PrefetchTURN() {
	if p.credentials == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultFetchTimeout)
	defer cancel()
	turn, err := p.credentials.Servers(ctx)
	if err != nil {
		p.logger.Warn("turn credentials unavailable, staying stun-only", "error", err)
		return
	}
	if !p.lastPeerObserved().IsZero() || p.connectedPeers() > 0 {
		return
	}
	p.mu.Lock()
	if p.stopped || p.current.Mode != ModeSTUN {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	target := p.turnTarget(turn)
	p.logger.Info("turn credentials ready, moving turn-first", "mode", target.Mode)
	if err := p.escalate(target); err != nil {
		p.logger.Warn("turn-first rebuild failed", "error", err)
		return
	}
	p.mu.Lock()
	p.current = target
	p.mu.Unlock()
}

// Current returns the active configuration.
func (p *Policy) Current() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// turnTarget builds the preferred TURN configuration for this device:
// merged TURN+STUN normally, TURN alone in exclusive mode.
func (p *Policy) turnTarget(turn []webrtc.ICEServer) Config {
	if p.exclusiveMode {
		return Config{Mode: ModeTURN, Transport: TransportAll, Servers: turn}
	}
	servers := make([]webrtc.ICEServer, 0, len(turn)+1)
	servers = append(servers, turn...)
	servers = append(servers, webrtc.ICEServer{URLs: DefaultSTUNServers})
	return Config{Mode: ModeTURNSTUN, Transport: TransportAll, Servers: servers}
}

// ScheduleEscalation arms the escalation timer. Call once per session
// generation, after the mesh is up.
func (p *Policy) ScheduleEscalation() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || p.timer != nil {
		return
	}
	p.escalationFrom = p.clk.Now()
	p.timer = p.clk.AfterFunc(p.tuning.EscalationDelay, p.escalationTick)
}

func (p *Policy) escalationTick() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	started := p.escalationFrom
	p.mu.Unlock()

	// A live connection means the current configuration works;
	// swapping it would only break what is already established.
	if p.connectedPeers() > 0 {
		p.finishEscalation()
		return
	}

	// A peer observed moments ago is probably mid-handshake. Defer,
	// bounded, rather than rebuilding underneath the negotiation.
	now := p.clk.Now()
	if last := p.lastPeerObserved(); !last.IsZero() &&
		now.Sub(last) < p.tuning.GraceWindow &&
		now.Sub(started) < p.tuning.MaxEscalationWait {
		p.mu.Lock()
		if !p.stopped {
			p.timer = p.clk.AfterFunc(p.tuning.EscalationDelay, p.escalationTick)
		}
		p.mu.Unlock()
		return
	}

	target, ok := p.computeTarget()
	p.finishEscalation()
	if !ok {
		return
	}
	p.logger.Info("escalating ice configuration", "mode", target.Mode, "transport", target.Transport)
	if err := p.escalate(target); err != nil {
		// The mesh never adopted the target; keep reporting the
		// configuration it actually runs.
		p.logger.Warn("escalation rebuild failed", "error", err)
		return
	}
	p.mu.Lock()
	p.current = target
	p.mu.Unlock()
}

func (p *Policy) finishEscalation() {
	p.mu.Lock()
	p.timer = nil
	p.mu.Unlock()
}

// computeTarget returns the configuration escalation should move to,
// or false when the current one is already the best available.
func (p *Policy) computeTarget() (Config, bool) {
	if p.credentials == nil {
		return Config{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultFetchTimeout)
	defer cancel()
	turn, err := p.credentials.Servers(ctx)
	if err != nil {
		p.logger.Warn("turn credentials unavailable, keeping current configuration", "error", err)
		return Config{}, false
	}

	target := p.turnTarget(turn)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current.Mode == target.Mode && p.current.Transport == target.Transport {
		return Config{}, false
	}
	return target, true
}

// ForceRelay returns a relay-only configuration after an ICE failure,
// or false when forcing a relay is not warranted: no TURN servers
// known, transport already relay-only, or a forced relay happened
// within the cooldown.
func (p *Policy) ForceRelay() (Config, bool) {
	if p.credentials == nil {
		return Config{}, false
	}
	turn, known := p.credentials.Cached()
	if !known {
		return Config{}, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current.Transport == TransportRelay {
		return Config{}, false
	}
	if !p.lastForcedRelay.IsZero() && p.clk.Now().Sub(p.lastForcedRelay) < p.tuning.RelayCooldown {
		return Config{}, false
	}
	p.lastForcedRelay = p.clk.Now()
	p.current = Config{Mode: ModeTURN, Transport: TransportRelay, Servers: turn}
	return p.current, true
}

// CancelEscalation clears any pending escalation timer without
// retiring the policy. Called when a mesh generation is torn down;
// the replacement generation re-arms with ScheduleEscalation.
func (p *Policy) CancelEscalation() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// Stop clears the escalation timer. The policy must not arm new
// timers for a torn-down session.
func (p *Policy) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// Describe returns a short diagnostic string for status surfaces.
func (p *Policy) Describe() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("%s/%s", p.current.Mode, p.current.Transport)
}
