// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

package ice

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/taskweave/taskweave/lib/clock"
)

var policyBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func turnEndpoint(t *testing.T) *CredentialClient {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"urls": "turn:relay.example.com:3478", "username": "u", "credential": "c"}]`)
	}))
	t.Cleanup(server.Close)
	return NewCredentialClient(server.URL, "k", time.Hour, testLogger())
}

func TestInitialConfigDefaultsToSTUN(t *testing.T) {
	policy := NewPolicy(PolicyConfig{Logger: testLogger()})
	config := policy.InitialConfig()

	if config.Mode != ModeSTUN || config.Transport != TransportAll {
		t.Fatalf("got %s/%s, want stun/all", config.Mode, config.Transport)
	}
	if len(config.Servers) != 1 {
		t.Fatalf("server list: %+v", config.Servers)
	}
	urls := config.Servers[0].URLs
	if len(urls) != 2 || urls[0] != "stun:stun.l.google.com:19302" {
		t.Fatalf("default stun servers: %v", urls)
	}
}

func TestInitialConfigTURNFirstWithWarmCache(t *testing.T) {
	client := turnEndpoint(t)
	if _, err := client.Servers(context.Background()); err != nil {
		t.Fatal(err)
	}
	policy := NewPolicy(PolicyConfig{
		Credentials: client,
		Logger:      testLogger(),
	})
	config := policy.InitialConfig()

	if config.Mode != ModeTURNSTUN {
		t.Fatalf("got mode %s, want turn+stun", config.Mode)
	}
	if config.Transport != TransportAll {
		t.Fatalf("turn-first start must not force relay, got %s", config.Transport)
	}
}

func TestInitialConfigSTUNWithColdCache(t *testing.T) {
	// A fresh session has no cached credentials; the first build must
	// not wait for the endpoint.
	policy := NewPolicy(PolicyConfig{
		Credentials: turnEndpoint(t),
		Logger:      testLogger(),
	})
	if config := policy.InitialConfig(); config.Mode != ModeSTUN {
		t.Fatalf("got mode %s, want stun", config.Mode)
	}
}

func TestInitialConfigSTUNWhenPeerAlreadyKnown(t *testing.T) {
	client := turnEndpoint(t)
	if _, err := client.Servers(context.Background()); err != nil {
		t.Fatal(err)
	}
	policy := NewPolicy(PolicyConfig{
		Credentials:      client,
		LastPeerObserved: func() time.Time { return time.Now() },
		Logger:           testLogger(),
	})
	if config := policy.InitialConfig(); config.Mode != ModeSTUN {
		t.Fatalf("got mode %s, want stun", config.Mode)
	}
}

func TestPrefetchMovesToTURNFirst(t *testing.T) {
	var escalated atomic.Value
	policy := NewPolicy(PolicyConfig{
		Credentials: turnEndpoint(t),
		Escalate: func(config Config) error {
			escalated.Store(config)
			return nil
		},
		Logger: testLogger(),
	})
	policy.InitialConfig()
	policy.PrefetchTURN()

	config, ok := escalated.Load().(Config)
	if !ok {
		t.Fatal("prefetch never escalated with no peer known")
	}
	if config.Mode != ModeTURNSTUN || config.Transport != TransportAll {
		t.Fatalf("prefetch escalated to %s/%s, want turn+stun/all", config.Mode, config.Transport)
	}
	if current := policy.Current(); current.Mode != ModeTURNSTUN {
		t.Fatalf("Current() = %s after prefetch", current.Mode)
	}
}

func TestPrefetchKeepsSTUNOnFetchFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	var escalations atomic.Int32
	policy := NewPolicy(PolicyConfig{
		Credentials: NewCredentialClient(server.URL, "k", time.Hour, testLogger()),
		Escalate: func(Config) error {
			escalations.Add(1)
			return nil
		},
		Logger: testLogger(),
	})
	policy.InitialConfig()
	policy.PrefetchTURN()

	if escalations.Load() != 0 {
		t.Fatal("prefetch escalated despite a failed credential fetch")
	}
	if config := policy.Current(); config.Mode != ModeSTUN {
		t.Fatalf("got mode %s, want stun fallback", config.Mode)
	}
}

func TestPrefetchOnlyWarmsCacheWhenPeerKnown(t *testing.T) {
	client := turnEndpoint(t)
	var escalations atomic.Int32
	policy := NewPolicy(PolicyConfig{
		Credentials:      client,
		LastPeerObserved: func() time.Time { return time.Now() },
		Escalate: func(Config) error {
			escalations.Add(1)
			return nil
		},
		Logger: testLogger(),
	})
	policy.InitialConfig()
	policy.PrefetchTURN()

	if escalations.Load() != 0 {
		t.Fatal("prefetch rebuilt the mesh with a peer mid-handshake")
	}
	if _, ok := client.Cached(); !ok {
		t.Fatal("prefetch did not warm the credential cache")
	}
}

func TestExclusiveModeAvoidsMergedServerList(t *testing.T) {
	client := turnEndpoint(t)
	if _, err := client.Servers(context.Background()); err != nil {
		t.Fatal(err)
	}
	policy := NewPolicy(PolicyConfig{
		Credentials:   client,
		ExclusiveMode: true,
		Logger:        testLogger(),
	})
	config := policy.InitialConfig()

	if config.Mode != ModeTURN {
		t.Fatalf("got mode %s, want turn", config.Mode)
	}
	for _, server := range config.Servers {
		for _, u := range server.URLs {
			if u == DefaultSTUNServers[0] {
				t.Fatalf("exclusive mode merged stun into the list: %+v", config.Servers)
			}
		}
	}
}

func TestEscalationMovesToTURNSTUN(t *testing.T) {
	fake := clock.Fake(policyBase)
	var escalated atomic.Value
	policy := NewPolicy(PolicyConfig{
		Credentials: turnEndpoint(t),
		// Peer known, but long enough ago that no grace deferral
		// applies.
		LastPeerObserved: func() time.Time { return policyBase.Add(-time.Hour) },
		Tuning:           Tuning{EscalationDelay: time.Second},
		Escalate: func(config Config) error {
			escalated.Store(config)
			return nil
		},
		Clock:  fake,
		Logger: testLogger(),
	})
	defer policy.Stop()

	// Starts STUN-only because a peer is already known.
	policy.InitialConfig()
	policy.ScheduleEscalation()

	fake.WaitForTimers(1)
	fake.Advance(time.Second)

	config, ok := escalated.Load().(Config)
	if !ok {
		t.Fatal("escalation never fired")
	}
	if config.Mode != ModeTURNSTUN {
		t.Fatalf("escalated to %s, want turn+stun", config.Mode)
	}
	if current := policy.Current(); current.Mode != ModeTURNSTUN {
		t.Fatalf("Current() = %s after escalation", current.Mode)
	}
}

func TestEscalationFailureKeepsCurrent(t *testing.T) {
	fake := clock.Fake(policyBase)
	policy := NewPolicy(PolicyConfig{
		Credentials:      turnEndpoint(t),
		LastPeerObserved: func() time.Time { return policyBase.Add(-time.Hour) },
		Tuning:           Tuning{EscalationDelay: time.Second},
		Escalate: func(Config) error {
			return errors.New("rebuild failed")
		},
		Clock:  fake,
		Logger: testLogger(),
	})
	defer policy.Stop()

	policy.InitialConfig()
	policy.ScheduleEscalation()

	fake.WaitForTimers(1)
	fake.Advance(time.Second)

	// The mesh never adopted the target, so the policy still reports
	// the configuration it actually runs.
	if current := policy.Current(); current.Mode != ModeSTUN {
		t.Fatalf("Current() = %s after failed escalation, want stun", current.Mode)
	}
}

func TestEscalationSkippedWhileConnected(t *testing.T) {
	fake := clock.Fake(policyBase)
	var escalations atomic.Int32
	policy := NewPolicy(PolicyConfig{
		Credentials:    turnEndpoint(t),
		ConnectedPeers: func() int { return 1 },
		Tuning:         Tuning{EscalationDelay: time.Second},
		Escalate:       func(Config) error { escalations.Add(1); return nil },
		Clock:          fake,
		Logger:         testLogger(),
	})
	defer policy.Stop()

	policy.InitialConfig()
	policy.ScheduleEscalation()

	fake.WaitForTimers(1)
	fake.Advance(time.Second)

	if escalations.Load() != 0 {
		t.Fatal("escalated despite a connected peer")
	}
	if fake.PendingCount() != 0 {
		t.Fatal("escalation timer re-armed despite a connected peer")
	}
}

func TestEscalationDeferredInsideGraceWindow(t *testing.T) {
	// A peer observed continuously within the grace window defers the
	// attempt until the bounded maximum, then escalation proceeds.
	fake := clock.Fake(policyBase)
	var escalations atomic.Int32
	policy := NewPolicy(PolicyConfig{
		Credentials:      turnEndpoint(t),
		LastPeerObserved: fake.Now,
		Tuning: Tuning{
			EscalationDelay:   time.Second,
			GraceWindow:       time.Hour,
			MaxEscalationWait: 10 * time.Second,
		},
		Escalate: func(Config) error { escalations.Add(1); return nil },
		Clock:    fake,
		Logger:   testLogger(),
	})
	defer policy.Stop()

	policy.InitialConfig()
	policy.ScheduleEscalation()

	for range 9 {
		fake.WaitForTimers(1)
		fake.Advance(time.Second)
		if escalations.Load() != 0 {
			t.Fatal("escalated inside the grace window before the bounded wait elapsed")
		}
	}

	fake.WaitForTimers(1)
	fake.Advance(time.Second)
	if escalations.Load() != 1 {
		t.Fatal("bounded deferral never released the escalation")
	}
}

func TestEscalationNoOpWithoutTURN(t *testing.T) {
	fake := clock.Fake(policyBase)
	var escalations atomic.Int32
	policy := NewPolicy(PolicyConfig{
		Tuning:   Tuning{EscalationDelay: time.Second},
		Escalate: func(Config) error { escalations.Add(1); return nil },
		Clock:    fake,
		Logger:   testLogger(),
	})
	defer policy.Stop()

	policy.InitialConfig()
	policy.ScheduleEscalation()

	fake.WaitForTimers(1)
	fake.Advance(time.Second)

	if escalations.Load() != 0 {
		t.Fatal("escalated with no turn credentials")
	}
}

func TestForceRelayOncePerCooldown(t *testing.T) {
	client := turnEndpoint(t)
	policy := NewPolicy(PolicyConfig{
		Credentials: client,
		Tuning:      Tuning{RelayCooldown: time.Hour},
		Logger:      testLogger(),
	})
	policy.InitialConfig()

	// Populate the credential cache the way a running session would.
	if _, err := client.Servers(context.Background()); err != nil {
		t.Fatal(err)
	}

	config, ok := policy.ForceRelay()
	if !ok {
		t.Fatal("expected first forced relay to proceed")
	}
	if config.Transport != TransportRelay || config.Mode != ModeTURN {
		t.Fatalf("forced relay config %s/%s", config.Mode, config.Transport)
	}
	if webrtcConfig := config.WebRTC(); webrtcConfig.ICETransportPolicy != webrtc.ICETransportPolicyRelay {
		t.Fatalf("pion transport policy = %v", webrtcConfig.ICETransportPolicy)
	}

	if _, ok := policy.ForceRelay(); ok {
		t.Fatal("second forced relay inside cooldown should be refused")
	}
}

func TestForceRelayRequiresCachedTURN(t *testing.T) {
	policy := NewPolicy(PolicyConfig{
		Credentials: turnEndpoint(t),
		Logger:      testLogger(),
	})
	policy.InitialConfig()

	// Nothing ever fetched, so the credential cache is empty.
	if _, ok := policy.ForceRelay(); ok {
		t.Fatal("forced relay with no cached turn servers")
	}
}
