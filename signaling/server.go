// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Relay server timing. Clients that miss pongs past pongWait are
// dropped; their topic subscriptions vanish with them.
const (
	relayWriteWait  = 10 * time.Second
	relayPongWait   = 60 * time.Second
	relayPingPeriod = 25 * time.Second
	relaySendBuffer = 64
)

// RelayServer implements the subscribe/unsubscribe/publish relay
// protocol over websocket. It is content-agnostic: published data is
// fanned out verbatim to every subscriber of the topic, so encrypted
// rooms pass through untouched. Deployed standalone via
// cmd/taskweave-relay; tests run it under httptest.
type RelayServer struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	topics  map[string]map[*relayClient]struct{}
	clients map[*relayClient]struct{}
	closed  bool
}

type relayClient struct {
	ws     *websocket.Conn
	send   chan []byte
	topics map[string]struct{}
}

// NewRelayServer creates a relay with no topics. Origin checking is
// deliberately open: room payloads are end-to-end encrypted and the
// relay holds no secrets worth protecting.
func NewRelayServer(logger *slog.Logger) *RelayServer {
	return &RelayServer{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		topics:  make(map[string]map[*relayClient]struct{}),
		clients: make(map[*relayClient]struct{}),
	}
}

// ServeHTTP upgrades the request and runs the client until it
// disconnects.
func (s *RelayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := &relayClient{
		ws:     ws,
		send:   make(chan []byte, relaySendBuffer),
		topics: make(map[string]struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ws.Close()
		return
	}
	s.clients[client] = struct{}{}
	s.mu.Unlock()

	go s.writePump(client)
	s.readPump(client)
}

// Close disconnects every client. In-flight fan-out is dropped.
func (s *RelayServer) Close() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*relayClient, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.Unlock()

	for _, client := range clients {
		client.ws.Close()
	}
}

// TopicCount returns the number of topics with at least one subscriber.
func (s *RelayServer) TopicCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.topics)
}

func (s *RelayServer) readPump(client *relayClient) {
	defer s.dropClient(client)

	client.ws.SetReadDeadline(time.Now().Add(relayPongWait))
	client.ws.SetPongHandler(func(string) error {
		client.ws.SetReadDeadline(time.Now().Add(relayPongWait))
		return nil
	})

	for {
		_, data, err := client.ws.ReadMessage()
		if err != nil {
			return
		}
		client.ws.SetReadDeadline(time.Now().Add(relayPongWait))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("dropping malformed client frame", "error", err)
			continue
		}

		switch msg.Type {
		case MessageSubscribe:
			s.subscribe(client, msg.Topics)
		case MessageUnsubscribe:
			s.unsubscribe(client, msg.Topics)
		case MessagePublish:
			s.publish(client, msg)
		default:
			s.logger.Warn("dropping unknown message type", "type", msg.Type)
		}
	}
}

func (s *RelayServer) writePump(client *relayClient) {
	ticker := time.NewTicker(relayPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-client.send:
			if !ok {
				return
			}
			client.ws.SetWriteDeadline(time.Now().Add(relayWriteWait))
			if err := client.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			client.ws.SetWriteDeadline(time.Now().Add(relayWriteWait))
			if err := client.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *RelayServer) subscribe(client *relayClient, topics []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, topic := range topics {
		if topic == "" {
			continue
		}
		subscribers, ok := s.topics[topic]
		if !ok {
			subscribers = make(map[*relayClient]struct{})
			s.topics[topic] = subscribers
		}
		subscribers[client] = struct{}{}
		client.topics[topic] = struct{}{}
	}
}

func (s *RelayServer) unsubscribe(client *relayClient, topics []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, topic := range topics {
		s.removeSubscriptionLocked(client, topic)
	}
}

// publish fans the frame out to every subscriber of the topic,
// including the sender — clients filter their own announces by peer id.
func (s *RelayServer) publish(sender *relayClient, msg Message) {
	frame, err := json.Marshal(Message{Type: MessagePublish, Topic: msg.Topic, Data: msg.Data})
	if err != nil {
		return
	}

	s.mu.Lock()
	subscribers := make([]*relayClient, 0, len(s.topics[msg.Topic]))
	for subscriber := range s.topics[msg.Topic] {
		subscribers = append(subscribers, subscriber)
	}
	s.mu.Unlock()

	for _, subscriber := range subscribers {
		select {
		case subscriber.send <- frame:
		default:
			// Subscriber too slow to keep up; drop the frame rather
			// than block the relay. Peers repair via resync.
			s.logger.Warn("dropping frame for slow subscriber", "topic", msg.Topic)
		}
	}
}

func (s *RelayServer) dropClient(client *relayClient) {
	s.mu.Lock()
	if _, ok := s.clients[client]; ok {
		delete(s.clients, client)
		for topic := range client.topics {
			s.removeSubscriptionLocked(client, topic)
		}
		close(client.send)
	}
	s.mu.Unlock()
	client.ws.Close()
}

// removeSubscriptionLocked detaches a client from a topic, deleting
// the topic once empty. Caller must hold s.mu.
func (s *RelayServer) removeSubscriptionLocked(client *relayClient, topic string) {
	delete(client.topics, topic)
	if subscribers, ok := s.topics[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(s.topics, topic)
		}
	}
}
