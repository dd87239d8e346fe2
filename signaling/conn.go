// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Tuning holds the policy constants for one relay connection. The
// zero value means "use defaults"; see withDefaults for the values.
// These recur across generations of this logic with no hard rationale,
// so they are configuration, not invariants.
type Tuning struct {
	// DialTimeout bounds the websocket handshake.
	DialTimeout time.Duration

	// ReconnectMin/ReconnectMax bound the exponential redial backoff.
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// BurstInterval is the throttle drain interval during discovery,
	// before any peer has been observed (and again after IdleWindow
	// with no peer activity).
	BurstInterval time.Duration

	// SteadyInterval is the relaxed drain interval once peers are around.
	SteadyInterval time.Duration

	// IdleWindow is how long peer silence lasts before the throttle
	// speeds back up to BurstInterval.
	IdleWindow time.Duration

	// WriteTimeout bounds each websocket write.
	WriteTimeout time.Duration

	// ReadIdleLimit is how long the read loop waits without any frame
	// (including relay pings) before declaring the socket dead.
	ReadIdleLimit time.Duration
}

func (t Tuning) withDefaults() Tuning {
	if t.DialTimeout == 0 {
		t.DialTimeout = 10 * time.Second
	}
	if t.ReconnectMin == 0 {
		t.ReconnectMin = 500 * time.Millisecond
	}
	if t.ReconnectMax == 0 {
		t.ReconnectMax = 30 * time.Second
	}
	if t.BurstInterval == 0 {
		t.BurstInterval = 500 * time.Millisecond
	}
	if t.SteadyInterval == 0 {
		t.SteadyInterval = 30 * time.Second
	}
	if t.IdleWindow == 0 {
		t.IdleWindow = 45 * time.Second
	}
	if t.WriteTimeout == 0 {
		t.WriteTimeout = 10 * time.Second
	}
	if t.ReadIdleLimit == 0 {
		t.ReadIdleLimit = 90 * time.Second
	}
	return t
}

// Listener receives connection lifecycle and inbound publish events.
// Rooms implement this: on HandleConnect they re-announce presence, on
// HandleMessage they route topic traffic.
type Listener interface {
	HandleConnect(conn *Conn)
	HandleDisconnect(conn *Conn, err error)
	HandleMessage(conn *Conn, msg Message)
}

// RelayStatus is the per-relay state surfaced to the application layer.
type RelayStatus struct {
	URL           string
	Connected     bool
	Connecting    bool
	LastMessageAt time.Time
}

// Conn is a persistent client for one relay URL. It redials with
// exponential backoff and fans inbound messages out to the attached
// listeners. One Conn is shared across every room using the same URL
// (see Pool); at most one socket is ever live per Conn.
type Conn struct {
	url    string
	tuning Tuning
	logger *slog.Logger

	mu            sync.Mutex
	ws            *websocket.Conn
	connected     bool
	connecting    bool
	topics        map[string]int // topic → subscriber count
	listeners     map[int]Listener
	nextID        int
	queue         []Message
	lastMessageAt time.Time
	lastPeerSeen  time.Time
	started       bool

	writeMu sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once
}

// NewConn creates a client for the given relay URL. Nothing happens
// until Start.
func NewConn(url string, tuning Tuning, logger *slog.Logger) *Conn {
	return &Conn{
		url:       url,
		tuning:    tuning.withDefaults(),
		logger:    logger.With("relay", url),
		topics:    make(map[string]int),
		listeners: make(map[int]Listener),
		closed:    make(chan struct{}),
	}
}

// Start launches the dial/read loop and the throttle drain loop.
// Calling it more than once is a no-op.
func (c *Conn) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.manageLoop()
	go c.drainLoop()
}

// Close tears the socket down and stops both loops. All queued
// throttle traffic is discarded.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})

	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.connected = false
	c.queue = nil
	c.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
	return nil
}

// AddListener attaches a listener. If the socket is already up the
// listener's HandleConnect fires immediately so it can announce.
func (c *Conn) AddListener(listener Listener) (remove func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = listener
	connected := c.connected
	c.mu.Unlock()

	if connected {
		listener.HandleConnect(c)
	}

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Subscribe registers interest in a topic. The subscription is counted
// per caller and replayed automatically after every reconnect.
func (c *Conn) Subscribe(topic string) {
	c.mu.Lock()
	c.topics[topic]++
	isNew := c.topics[topic] == 1
	connected := c.connected
	c.mu.Unlock()

	if isNew && connected {
		if err := c.Send(Message{Type: MessageSubscribe, Topics: []string{topic}}); err != nil {
			c.logger.Warn("subscribe send failed", "topic", topic, "error", err)
		}
	}
}

// Unsubscribe drops one registration of a topic; the relay is told
// once the count reaches zero.
func (c *Conn) Unsubscribe(topic string) {
	c.mu.Lock()
	if c.topics[topic] > 0 {
		c.topics[topic]--
	}
	gone := c.topics[topic] == 0
	if gone {
		delete(c.topics, topic)
	}
	connected := c.connected
	c.mu.Unlock()

	if gone && connected {
		if err := c.Send(Message{Type: MessageUnsubscribe, Topics: []string{topic}}); err != nil {
			c.logger.Warn("unsubscribe send failed", "topic", topic, "error", err)
		}
	}
}

// Publish sends a payload on a topic. Urgent or peer-addressed traffic
// goes out immediately; everything else joins the throttle queue.
func (c *Conn) Publish(topic, data string, urgent bool) error {
	msg := Message{Type: MessagePublish, Topic: topic, Data: data}
	if urgent {
		return c.Send(msg)
	}
	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		return fmt.Errorf("signaling: connection closed")
	}
	c.queue = append(c.queue, msg)
	c.mu.Unlock()
	return nil
}

// Send writes a message immediately. Returns an error when the socket
// is down; callers that can re-announce on reconnect may ignore it.
func (c *Conn) Send(msg Message) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("signaling: not connected to %s", c.url)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(c.tuning.WriteTimeout))
	if err := ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("signaling: writing to %s: %w", c.url, err)
	}
	return nil
}

// NotePeerActivity records that a peer was observed (on signaling or
// webrtc). This relaxes the throttle to its steady interval.
func (c *Conn) NotePeerActivity() {
	c.mu.Lock()
	c.lastPeerSeen = time.Now()
	c.mu.Unlock()
}

// LastMessageAt returns when the relay last delivered any frame. The
// lifecycle watchdog reads this as its signaling-freshness heuristic.
func (c *Conn) LastMessageAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMessageAt
}

// Status reports the relay state for the UI layer.
func (c *Conn) Status() RelayStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return RelayStatus{
		URL:           c.url,
		Connected:     c.connected,
		Connecting:    c.connecting,
		LastMessageAt: c.lastMessageAt,
	}
}

// URL returns the relay URL this connection targets.
func (c *Conn) URL() string {
	return c.url
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// manageLoop dials, runs the read loop, and redials with exponential
// backoff until Close.
func (c *Conn) manageLoop() {
	backoff := c.tuning.ReconnectMin

	for {
		if c.isClosed() {
			return
		}

		c.mu.Lock()
		c.connecting = true
		c.mu.Unlock()

		dialer := websocket.Dialer{HandshakeTimeout: c.tuning.DialTimeout}
		ws, _, err := dialer.Dial(c.url, nil)

		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()

		if err != nil {
			c.logger.Warn("relay dial failed", "error", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-c.closed:
				return
			}
			backoff = min(backoff*2, c.tuning.ReconnectMax)
			continue
		}
		backoff = c.tuning.ReconnectMin

		c.handleConnected(ws)
		err = c.readLoop(ws)
		c.handleDisconnected(err)
	}
}

// handleConnected installs the new socket, replays subscriptions, and
// notifies listeners so rooms can re-announce.
func (c *Conn) handleConnected(ws *websocket.Conn) {
	ws.SetReadDeadline(time.Now().Add(c.tuning.ReadIdleLimit))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(c.tuning.ReadIdleLimit))
		return nil
	})

	c.mu.Lock()
	c.ws = ws
	c.connected = true
	c.lastMessageAt = time.Now()
	topics := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		topics = append(topics, topic)
	}
	listeners := c.snapshotListenersLocked()
	c.mu.Unlock()

	c.logger.Info("relay connected")

	if len(topics) > 0 {
		if err := c.Send(Message{Type: MessageSubscribe, Topics: topics}); err != nil {
			c.logger.Warn("subscription replay failed", "error", err)
		}
	}
	for _, listener := range listeners {
		listener.HandleConnect(c)
	}
}

func (c *Conn) handleDisconnected(err error) {
	c.mu.Lock()
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	wasConnected := c.connected
	c.connected = false
	listeners := c.snapshotListenersLocked()
	c.mu.Unlock()

	if !wasConnected {
		return
	}
	if !c.isClosed() {
		c.logger.Warn("relay disconnected", "error", err)
	}
	for _, listener := range listeners {
		listener.HandleDisconnect(c, err)
	}
}

// readLoop delivers inbound frames until the socket fails. Malformed
// frames are logged and dropped — they never terminate the connection.
func (c *Conn) readLoop(ws *websocket.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		ws.SetReadDeadline(time.Now().Add(c.tuning.ReadIdleLimit))

		c.mu.Lock()
		c.lastMessageAt = time.Now()
		listeners := c.snapshotListenersLocked()
		c.mu.Unlock()

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("dropping malformed relay frame", "error", err)
			continue
		}
		for _, listener := range listeners {
			listener.HandleMessage(c, msg)
		}
	}
}

// drainLoop flushes the throttle queue on the adaptive interval.
func (c *Conn) drainLoop() {
	for {
		interval := c.drainInterval()
		select {
		case <-time.After(interval):
		case <-c.closed:
			return
		}

		c.mu.Lock()
		pending := c.queue
		c.queue = nil
		connected := c.connected
		c.mu.Unlock()

		if !connected {
			// Dropped, not retained: rooms re-announce on reconnect, so
			// stale queued announces would only duplicate that.
			continue
		}
		for _, msg := range pending {
			if err := c.Send(msg); err != nil {
				c.logger.Warn("throttled publish failed", "topic", msg.Topic, "error", err)
				break
			}
		}
	}
}

// drainInterval picks burst or steady pacing from recent peer activity.
func (c *Conn) drainInterval() time.Duration {
	c.mu.Lock()
	lastPeer := c.lastPeerSeen
	c.mu.Unlock()

	if lastPeer.IsZero() || time.Since(lastPeer) > c.tuning.IdleWindow {
		return c.tuning.BurstInterval
	}
	return c.tuning.SteadyInterval
}

func (c *Conn) snapshotListenersLocked() []Listener {
	listeners := make([]Listener, 0, len(c.listeners))
	for _, listener := range c.listeners {
		listeners = append(listeners, listener)
	}
	return listeners
}
