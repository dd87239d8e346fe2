// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/taskweave/taskweave/lib/clock"
)

type resyncRig struct {
	attempts  atomic.Int32
	succeeded atomic.Int32
	failUntil int32
}

func (p *resyncRig) send(string, []byte) error {
	n := p.attempts.Add(1)
	if n <= p.failUntil {
		return fmt.Errorf("channel not writable")
	}
	p.succeeded.Add(1)
	return nil
}

func (p *resyncRig) manager(attempts int, interval, cooldown time.Duration, clk clock.Clock) *resyncManager {
	return newResyncManager(
		func() ([]byte, error) { return []byte("payload"), nil },
		p.send, attempts, interval, cooldown, clk, testLogger())
}

func waitFor(t *testing.T, what string, check func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !check() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (m *resyncManager) pendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func TestResyncRetriesUntilWritable(t *testing.T) {
	fake := clock.Fake(watchdogBase)
	rig := &resyncRig{failUntil: 3}
	m := rig.manager(5, time.Second, time.Hour, fake)
	defer m.stop()

	m.trigger("peer-b", true)
	for range 3 {
		fake.WaitForTimers(1)
		fake.Advance(time.Second)
	}

	if rig.succeeded.Load() != 1 {
		t.Fatal("resync never delivered")
	}
	if n := rig.attempts.Load(); n != 4 {
		t.Fatalf("expected 4 attempts, got %d", n)
	}
}

func TestResyncGivesUpAfterBoundedAttempts(t *testing.T) {
	fake := clock.Fake(watchdogBase)
	rig := &resyncRig{failUntil: 1000}
	m := rig.manager(3, time.Second, time.Hour, fake)
	defer m.stop()

	m.trigger("peer-b", true)
	for range 2 {
		fake.WaitForTimers(1)
		fake.Advance(time.Second)
	}

	if n := rig.attempts.Load(); n != 3 {
		t.Fatalf("expected 3 attempts before giving up, got %d", n)
	}
	if fake.PendingCount() != 0 {
		t.Fatal("retry timer survived exhaustion")
	}
	if m.pendingCount() != 0 {
		t.Fatal("exhausted chain still marked in flight")
	}
}

func TestResyncCooldownSuppressesRepeats(t *testing.T) {
	fake := clock.Fake(watchdogBase)
	rig := &resyncRig{}
	m := rig.manager(5, time.Second, time.Hour, fake)
	defer m.stop()

	m.trigger("peer-b", false)
	waitFor(t, "first delivery", func() bool {
		return rig.succeeded.Load() == 1 && m.pendingCount() == 0
	})

	m.trigger("peer-b", false)
	if m.pendingCount() != 0 {
		t.Fatal("cooldown did not suppress repeat resync")
	}

	// Past the cooldown the same trigger goes through again.
	fake.Advance(2 * time.Hour)
	m.trigger("peer-b", false)
	waitFor(t, "post-cooldown delivery", func() bool { return rig.succeeded.Load() == 2 })
}

func TestResyncForceBypassesCooldown(t *testing.T) {
	fake := clock.Fake(watchdogBase)
	rig := &resyncRig{}
	m := rig.manager(5, time.Second, time.Hour, fake)
	defer m.stop()

	m.trigger("peer-b", false)
	waitFor(t, "first delivery", func() bool {
		return rig.succeeded.Load() == 1 && m.pendingCount() == 0
	})

	m.trigger("peer-b", true)
	waitFor(t, "forced delivery", func() bool { return rig.succeeded.Load() == 2 })
}

func TestResyncForgetClearsCooldown(t *testing.T) {
	fake := clock.Fake(watchdogBase)
	rig := &resyncRig{}
	m := rig.manager(5, time.Second, time.Hour, fake)
	defer m.stop()

	m.trigger("peer-b", false)
	waitFor(t, "first delivery", func() bool {
		return rig.succeeded.Load() == 1 && m.pendingCount() == 0
	})

	m.forget("peer-b")
	m.trigger("peer-b", false)
	waitFor(t, "post-forget delivery", func() bool { return rig.succeeded.Load() == 2 })
}

func TestResyncConcurrentTriggersCollapse(t *testing.T) {
	fake := clock.Fake(watchdogBase)
	rig := &resyncRig{failUntil: 2}
	m := rig.manager(5, time.Second, time.Hour, fake)
	defer m.stop()

	for range 10 {
		m.trigger("peer-b", true)
	}
	for range 2 {
		fake.WaitForTimers(1)
		fake.Advance(time.Second)
	}

	if n := rig.succeeded.Load(); n != 1 {
		t.Fatalf("concurrent triggers produced %d deliveries, want 1", n)
	}
	if n := rig.attempts.Load(); n != 3 {
		t.Fatalf("concurrent triggers produced %d attempts, want 3", n)
	}
}

func TestResyncStopCancelsPendingChains(t *testing.T) {
	fake := clock.Fake(watchdogBase)
	rig := &resyncRig{failUntil: 1000}
	m := rig.manager(100, time.Second, time.Hour, fake)

	m.trigger("peer-b", true)
	fake.WaitForTimers(1)
	m.stop()

	fake.Advance(time.Minute)
	if n := rig.attempts.Load(); n != 1 {
		t.Fatalf("retry chain survived stop: %d attempts", n)
	}
}
