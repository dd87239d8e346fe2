// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

// Taskweave-relay is a self-hostable signaling relay. It fans
// published messages out to every websocket subscribed to the same
// topic and stores nothing: room payloads are end-to-end encrypted by
// the clients, so the relay cannot read them even if it wanted to.
package main
