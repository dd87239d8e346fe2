// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/taskweave/taskweave/lib/clock"
)

// resyncManager delivers the bootstrap payload to individual peers
// with bounded retries while their channel is not yet writable, and a
// per-peer cooldown so a flapping presence signal cannot trigger a
// resync storm. One manager serves one mesh generation; stop clears
// every pending retry chain.
type resyncManager struct {
	build    func() ([]byte, error)
	send     func(peerID string, payload []byte) error
	logger   *slog.Logger
	clk      clock.Clock
	attempts int
	interval time.Duration
	cooldown time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time
	pending  map[string]*clock.Timer
	stopped  bool
}

func newResyncManager(build func() ([]byte, error), send func(string, []byte) error, attempts int, interval, cooldown time.Duration, clk clock.Clock, logger *slog.Logger) *resyncManager {
	return &resyncManager{
		build:    build,
		send:     send,
		logger:   logger,
		clk:      clk,
		attempts: attempts,
		interval: interval,
		cooldown: cooldown,
		lastSent: make(map[string]time.Time),
		pending:  make(map[string]*clock.Timer),
	}
}

// trigger starts a resync toward one peer. Cooldown-suppressed
// triggers are dropped silently; a fresh connection passes force to
// bootstrap regardless of any recent resync.
func (m *resyncManager) trigger(peerID string, force bool) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	if _, inFlight := m.pending[peerID]; inFlight {
		m.mu.Unlock()
		return
	}
	if !force {
		if last, ok := m.lastSent[peerID]; ok && m.clk.Now().Sub(last) < m.cooldown {
			m.mu.Unlock()
			return
		}
	}
	// Reserve the slot before the first attempt so concurrent
	// triggers collapse into one chain. The first attempt is not
	// clock-gated; only retries wait on the clock.
	m.pending[peerID] = nil
	m.mu.Unlock()
	go m.attempt(peerID, m.attempts)
}

func (m *resyncManager) attempt(peerID string, remaining int) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	payload, err := m.build()
	if err != nil {
		m.logger.Warn("building resync payload failed", "peer", peerID, "error", err)
		m.finish(peerID, time.Time{})
		return
	}
	if err := m.send(peerID, payload); err != nil {
		if remaining <= 1 {
			m.logger.Warn("resync abandoned, channel never became writable",
				"peer", peerID, "attempts", m.attempts, "error", err)
			m.finish(peerID, time.Time{})
			return
		}
		m.mu.Lock()
		if m.stopped {
			m.mu.Unlock()
			return
		}
		m.pending[peerID] = m.clk.AfterFunc(m.interval, func() {
			m.attempt(peerID, remaining-1)
		})
		m.mu.Unlock()
		return
	}

	m.logger.Debug("resync delivered", "peer", peerID)
	m.finish(peerID, m.clk.Now())
}

func (m *resyncManager) finish(peerID string, sentAt time.Time) {
	m.mu.Lock()
	delete(m.pending, peerID)
	if !sentAt.IsZero() {
		m.lastSent[peerID] = sentAt
	}
	m.mu.Unlock()
}

// forget drops the cooldown record for a departed peer so its next
// appearance bootstraps immediately.
func (m *resyncManager) forget(peerID string) {
	m.mu.Lock()
	delete(m.lastSent, peerID)
	if timer, ok := m.pending[peerID]; ok {
		if timer != nil {
			timer.Stop()
		}
		delete(m.pending, peerID)
	}
	m.mu.Unlock()
}

// stop cancels every pending retry chain. The manager is unusable
// afterwards.
func (m *resyncManager) stop() {
	m.mu.Lock()
	m.stopped = true
	for peerID, timer := range m.pending {
		if timer != nil {
			timer.Stop()
		}
		delete(m.pending, peerID)
	}
	m.mu.Unlock()
}
