// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"log/slog"
	"sync"
)

// Pool shares one Conn per relay URL across rooms. The socket opens on
// the first Acquire for a URL and closes when the last reference is
// released — multiple rooms in one process never hold duplicate
// sockets to the same relay.
type Pool struct {
	tuning Tuning
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*poolEntry
}

type poolEntry struct {
	conn *Conn
	refs int
}

// NewPool creates an empty pool. Tuning applies to every connection it
// opens.
func NewPool(tuning Tuning, logger *slog.Logger) *Pool {
	return &Pool{
		tuning: tuning,
		logger: logger,
		conns:  make(map[string]*poolEntry),
	}
}

// Acquire returns the shared Conn for url, starting it on first use.
// The returned release function must be called exactly once; the Conn
// closes when its reference count reaches zero.
func (p *Pool) Acquire(url string) (*Conn, func()) {
	p.mu.Lock()
	entry, ok := p.conns[url]
	if !ok {
		entry = &poolEntry{conn: NewConn(url, p.tuning, p.logger)}
		p.conns[url] = entry
		entry.conn.Start()
	}
	entry.refs++
	p.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			p.mu.Lock()
			entry.refs--
			drop := entry.refs == 0
			if drop {
				delete(p.conns, url)
			}
			p.mu.Unlock()
			if drop {
				entry.conn.Close()
			}
		})
	}
	return entry.conn, release
}

// Size returns the number of live shared connections.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}
