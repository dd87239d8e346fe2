// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/taskweave/taskweave/lib/clock"
)

// DeviceProfile captures platform quirks the reconnect machinery must
// work around. The zero value is a well-behaved platform.
type DeviceProfile struct {
	// ExclusiveICE marks platforms that mishandle merged TURN+STUN
	// candidate lists; escalation then targets one server kind.
	ExclusiveICE bool

	// AggressiveSuspend marks platforms that silently kill background
	// sockets, so a resume from the background cannot trust any
	// existing connection.
	AggressiveSuspend bool
}

// watchdogAction is the reconnect decision after a lifecycle event or
// a staleness check.
type watchdogAction int

const (
	actionNone watchdogAction = iota
	actionSoft
	actionHard
)

// watchdog turns lifecycle notifications (visibility, connectivity)
// and a periodic staleness check into reconnect decisions. It never
// touches the mesh itself; it calls back into the session, which owns
// the rebuild ordering.
type watchdog struct {
	profile       DeviceProfile
	staleAfter    time.Duration
	checkInterval time.Duration
	lastSignal    func() time.Time
	peerCount     func() int
	soft          func(reason string)
	hard          func(reason string)
	clk           clock.Clock
	logger        *slog.Logger

	mu        sync.Mutex
	visible   bool
	online    bool
	lastNudge time.Time
	stop      chan struct{}
	stopOnce  sync.Once
}

func newWatchdog(profile DeviceProfile, staleAfter, checkInterval time.Duration, lastSignal func() time.Time, peerCount func() int, soft, hard func(string), clk clock.Clock, logger *slog.Logger) *watchdog {
	return &watchdog{
		profile:       profile,
		staleAfter:    staleAfter,
		checkInterval: checkInterval,
		lastSignal:    lastSignal,
		peerCount:     peerCount,
		soft:          soft,
		hard:          hard,
		clk:           clk,
		logger:        logger,
		visible:       true,
		online:        true,
		stop:          make(chan struct{}),
	}
}

// start runs the periodic staleness check. Even without any lifecycle
// event, a signaling connection that has gone quiet past the
// staleness threshold gets the session nudged.
func (w *watchdog) start() {
	go func() {
		ticker := w.clk.NewTicker(w.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.checkStaleness()
			case <-w.stop:
				return
			}
		}
	}()
}

func (w *watchdog) close() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *watchdog) checkStaleness() {
	w.mu.Lock()
	active := w.visible && w.online
	nudgedRecently := w.clk.Now().Sub(w.lastNudge) < w.staleAfter
	w.mu.Unlock()
	if !active || nudgedRecently {
		return
	}

	last := w.lastSignal()
	if last.IsZero() || w.clk.Now().Sub(last) < w.staleAfter {
		return
	}

	w.mu.Lock()
	w.lastNudge = w.clk.Now()
	w.mu.Unlock()
	w.logger.Info("signaling stale, nudging session", "last_message", last)
	w.soft("signaling stale")
}

// setVisible records a visibility transition. Becoming visible after
// being hidden distrusts every cached connectivity assumption and
// picks the cheapest recovery that is actually safe.
func (w *watchdog) setVisible(visible bool) {
	w.mu.Lock()
	wasVisible := w.visible
	w.visible = visible
	online := w.online
	w.mu.Unlock()

	if !visible || wasVisible {
		return
	}
	if !online {
		// Offline resume: reconnecting now would just fail. The
		// online transition handles it.
		return
	}

	switch w.resumeDecision() {
	case actionHard:
		w.hard("resume")
	case actionSoft:
		w.soft("resume")
	}
}

// resumeDecision picks the recovery for a resume-while-online.
func (w *watchdog) resumeDecision() watchdogAction {
	if w.profile.AggressiveSuspend {
		// The platform killed our sockets while hidden; the mesh and
		// the signaling connections are both suspect.
		return actionHard
	}
	last := w.lastSignal()
	stale := last.IsZero() || w.clk.Now().Sub(last) > w.staleAfter
	if stale {
		// Quiet socket after a resume is a classic half-open: a soft
		// reconnect would reuse it.
		return actionHard
	}
	if w.peerCount() > 0 {
		return actionNone
	}
	return actionSoft
}

// setOnline records a connectivity transition. Coming back online
// always reconnects: the old sockets died with the network.
func (w *watchdog) setOnline(online bool) {
	w.mu.Lock()
	wasOnline := w.online
	w.online = online
	visible := w.visible
	w.mu.Unlock()

	if online && !wasOnline && visible {
		w.soft("network restored")
	}
}
