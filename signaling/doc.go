// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

// Package signaling implements the relay-channel layer used to discover
// peers and exchange WebRTC session descriptions before any direct
// connection exists.
//
// [Conn] is a persistent websocket client for one relay URL. It owns the
// socket lifecycle (dial, read loop, reconnect with backoff) and a
// throttle queue for non-urgent announce traffic: the queue drains on a
// short discovery-burst interval until a peer is observed, relaxes to a
// slow steady interval, and speeds back up after a configurable idle
// window with no peer activity. Peer-addressed and urgent messages
// bypass the queue. Rooms attach to a Conn as [Listener]s; on every
// (re)connect each listener re-subscribes its topics and re-announces
// presence.
//
// The wire protocol is JSON ([Message]): subscribe/unsubscribe with a
// topic list, and publish with a topic and a data string. For a
// password-protected room the data string is an encrypted envelope —
// varString("AES-GCM") || varBytes(iv) || varBytes(ciphertext), base64
// on the wire — sealing the inner [Payload] (announce/signal/welcome/
// goodbye). The room key is PBKDF2(secret, roomName, 100k, SHA-256).
// Rooms without a secret publish the payload as cleartext JSON.
// Malformed or undecryptable publishes are logged and dropped; they
// never close the socket.
//
// [Pool] shares one Conn per URL across rooms with reference counting:
// the socket opens on first acquire and closes when the last room
// releases it. [RelayServer] is a complete relay implementation of the
// same wire protocol, used in tests and deployable standalone via
// cmd/taskweave-relay.
package signaling
