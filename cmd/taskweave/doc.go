// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

// Taskweave runs one replica of a peer-synchronized task list: it
// joins the configured room over the signaling relays, builds the
// WebRTC mesh, and keeps the local document converged with every
// other replica. State lives in memory; the process is the replica.
package main
