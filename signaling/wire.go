// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import "encoding/json"

// Outer message types exchanged with the relay. These values are wire
// constants shared with every relay implementation.
const (
	MessageSubscribe   = "subscribe"
	MessageUnsubscribe = "unsubscribe"
	MessagePublish     = "publish"
)

// Message is the outer relay envelope. Subscribe and unsubscribe carry
// Topics; publish carries Topic and Data. Data is either cleartext JSON
// of a [Payload] or a base64 encrypted envelope, depending on whether
// the room has a secret.
type Message struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics,omitempty"`
	Topic  string   `json:"topic,omitempty"`
	Data   string   `json:"data,omitempty"`
}

// Inner payload types carried inside a publish. Announce advertises
// presence on a room topic, signal carries a directed WebRTC session
// description, welcome shares the known peer set with a newcomer, and
// goodbye withdraws presence on graceful shutdown.
const (
	PayloadAnnounce = "announce"
	PayloadSignal   = "signal"
	PayloadWelcome  = "welcome"
	PayloadGoodbye  = "goodbye"
)

// Payload is the decrypted inner message on a room topic.
type Payload struct {
	Type string `json:"type"`
	From string `json:"from"`

	// To addresses a signal at one peer; every other subscriber drops it.
	To string `json:"to,omitempty"`

	// Token is the glare token attached to offers. Of two competing
	// offers the lower token wins; see the mesh package.
	Token uint64 `json:"token,omitempty"`

	// Signal is the opaque WebRTC description (interpreted by mesh).
	Signal json.RawMessage `json:"signal,omitempty"`

	// Peers is the known peer id list carried by a welcome.
	Peers []string `json:"peers,omitempty"`
}
