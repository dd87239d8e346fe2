// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/taskweave/taskweave/lib/clock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

var watchdogBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type watchdogRig struct {
	lastSignal atomic.Value // time.Time
	peers      atomic.Int32
	softs      atomic.Int32
	hards      atomic.Int32
}

func newWatchdogRig(lastSignal time.Time, peers int) *watchdogRig {
	p := &watchdogRig{}
	p.lastSignal.Store(lastSignal)
	p.peers.Store(int32(peers))
	return p
}

func (p *watchdogRig) watchdog(profile DeviceProfile, staleAfter, interval time.Duration, clk clock.Clock) *watchdog {
	return newWatchdog(profile, staleAfter, interval,
		func() time.Time { return p.lastSignal.Load().(time.Time) },
		func() int { return int(p.peers.Load()) },
		func(string) { p.softs.Add(1) },
		func(string) { p.hards.Add(1) },
		clk, testLogger())
}

func TestResumeFreshSignalWithPeersIsNoOp(t *testing.T) {
	rig := newWatchdogRig(watchdogBase, 2)
	w := rig.watchdog(DeviceProfile{}, time.Minute, time.Hour, clock.Fake(watchdogBase))

	w.setVisible(false)
	w.setVisible(true)

	if rig.softs.Load() != 0 || rig.hards.Load() != 0 {
		t.Fatalf("reconnected despite fresh signal and live peers: soft=%d hard=%d",
			rig.softs.Load(), rig.hards.Load())
	}
}

func TestResumeFreshSignalNoPeersSoftReconnects(t *testing.T) {
	rig := newWatchdogRig(watchdogBase, 0)
	w := rig.watchdog(DeviceProfile{}, time.Minute, time.Hour, clock.Fake(watchdogBase))

	w.setVisible(false)
	w.setVisible(true)

	if rig.softs.Load() != 1 || rig.hards.Load() != 0 {
		t.Fatalf("want one soft reconnect, got soft=%d hard=%d",
			rig.softs.Load(), rig.hards.Load())
	}
}

func TestResumeStaleSignalHardReconnects(t *testing.T) {
	rig := newWatchdogRig(watchdogBase.Add(-time.Hour), 2)
	w := rig.watchdog(DeviceProfile{}, time.Minute, time.Hour, clock.Fake(watchdogBase))

	w.setVisible(false)
	w.setVisible(true)

	if rig.hards.Load() != 1 {
		t.Fatalf("stale signal on resume should hard-reconnect, hard=%d", rig.hards.Load())
	}
}

func TestResumeAggressiveSuspendAlwaysHard(t *testing.T) {
	// Fresh signal and live peers would normally be a no-op, but this
	// platform killed the sockets while hidden.
	rig := newWatchdogRig(watchdogBase, 2)
	w := rig.watchdog(DeviceProfile{AggressiveSuspend: true}, time.Minute, time.Hour, clock.Fake(watchdogBase))

	w.setVisible(false)
	w.setVisible(true)

	if rig.hards.Load() != 1 {
		t.Fatalf("aggressive-suspend resume should hard-reconnect, hard=%d", rig.hards.Load())
	}
}

func TestResumeWhileOfflineWaits(t *testing.T) {
	rig := newWatchdogRig(watchdogBase.Add(-time.Hour), 0)
	w := rig.watchdog(DeviceProfile{}, time.Minute, time.Hour, clock.Fake(watchdogBase))

	w.setOnline(false)
	w.setVisible(false)
	w.setVisible(true)

	if rig.softs.Load() != 0 || rig.hards.Load() != 0 {
		t.Fatal("offline resume should wait for the online transition")
	}

	w.setOnline(true)
	if rig.softs.Load() != 1 {
		t.Fatalf("online transition should soft-reconnect, soft=%d", rig.softs.Load())
	}
}

func TestRepeatedVisibilityWithoutHideIsNoOp(t *testing.T) {
	rig := newWatchdogRig(watchdogBase.Add(-time.Hour), 0)
	w := rig.watchdog(DeviceProfile{}, time.Minute, time.Hour, clock.Fake(watchdogBase))

	w.setVisible(true)
	w.setVisible(true)

	if rig.softs.Load() != 0 && rig.hards.Load() != 0 {
		t.Fatal("visible-while-visible should not reconnect")
	}
}

func TestStalenessCheckNudges(t *testing.T) {
	rig := newWatchdogRig(watchdogBase.Add(-time.Hour), 1)
	w := rig.watchdog(DeviceProfile{}, time.Minute, time.Hour, clock.Fake(watchdogBase))

	w.checkStaleness()

	if rig.softs.Load() != 1 {
		t.Fatalf("stale signal should nudge the session, soft=%d", rig.softs.Load())
	}
}

func TestStalenessCheckDampsRepeatNudges(t *testing.T) {
	fake := clock.Fake(watchdogBase)
	rig := newWatchdogRig(watchdogBase.Add(-time.Hour), 1)
	w := rig.watchdog(DeviceProfile{}, time.Minute, time.Hour, fake)

	w.checkStaleness()
	w.checkStaleness()
	if n := rig.softs.Load(); n != 1 {
		t.Fatalf("second check inside one staleness window nudged again, soft=%d", n)
	}

	fake.Advance(2 * time.Minute)
	w.checkStaleness()
	if n := rig.softs.Load(); n != 2 {
		t.Fatalf("check after the damping window should nudge again, soft=%d", n)
	}
}

func TestStalenessCheckIgnoresFreshSignal(t *testing.T) {
	rig := newWatchdogRig(watchdogBase.Add(-time.Second), 1)
	w := rig.watchdog(DeviceProfile{}, time.Minute, time.Hour, clock.Fake(watchdogBase))

	w.checkStaleness()

	if rig.softs.Load() != 0 {
		t.Fatal("fresh signal should not be nudged")
	}
}

func TestStalenessCheckIgnoresHiddenSession(t *testing.T) {
	rig := newWatchdogRig(watchdogBase.Add(-time.Hour), 1)
	w := rig.watchdog(DeviceProfile{}, time.Minute, time.Hour, clock.Fake(watchdogBase))
	w.setVisible(false)

	w.checkStaleness()

	if rig.softs.Load() != 0 {
		t.Fatal("hidden session should not be nudged")
	}
}

func TestStalenessTickerRuns(t *testing.T) {
	fake := clock.Fake(watchdogBase)
	rig := newWatchdogRig(watchdogBase.Add(-time.Hour), 1)
	w := rig.watchdog(DeviceProfile{}, time.Minute, 10*time.Second, fake)
	w.start()
	defer w.close()

	fake.WaitForTimers(1)
	fake.Advance(10 * time.Second)

	deadline := time.After(5 * time.Second)
	for rig.softs.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("staleness ticker never nudged the session")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
