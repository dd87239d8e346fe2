// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"

	"github.com/taskweave/taskweave/document"
	"github.com/taskweave/taskweave/lib/codec"
)

// Envelope types on the data channel. An update carries one
// incremental document change; a resync bootstraps a link with full
// state plus a state-vector request; awareness carries ephemeral
// presence.
const (
	envelopeUpdate    = "update"
	envelopeResync    = "resync"
	envelopeAwareness = "awareness"
)

// envelope is the deterministic-CBOR message exchanged over data
// channels and the in-process bus. Short keys keep frames small; the
// compression codec below this layer does the rest.
type envelope struct {
	Type string `cbor:"t"`

	// Update is an incremental document update (Type update), or the
	// diff answering a state-vector request (also Type update).
	Update []byte `cbor:"u,omitempty"`

	// State is the full document state (Type resync).
	State []byte `cbor:"s,omitempty"`

	// StateVector is the sender's vector; the receiver answers with
	// a diff of everything the sender is missing (Type resync).
	StateVector []byte `cbor:"v,omitempty"`

	// From is the sending actor for awareness payloads.
	From string `cbor:"f,omitempty"`

	// Awareness is the sender's presence state (Type awareness or
	// attached to a resync).
	Awareness *document.AwarenessState `cbor:"a,omitempty"`

	// AwarenessQuery asks the receiver to reply with its own
	// awareness state (Type resync).
	AwarenessQuery bool `cbor:"q,omitempty"`
}

func encodeEnvelope(env envelope) ([]byte, error) {
	data, err := codec.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("session: encoding %s envelope: %w", env.Type, err)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("session: decoding envelope: %w", err)
	}
	if env.Type == "" {
		return envelope{}, fmt.Errorf("session: envelope missing type")
	}
	return env, nil
}

// buildResync assembles the full bootstrap payload for one peer: the
// complete document state, our state vector as an implicit request
// for everything we are missing, our awareness state, and a query for
// the peer's. Applying it twice is a no-op merge.
func buildResync(store document.Store, awareness *document.Awareness) ([]byte, error) {
	state, err := store.EncodeState()
	if err != nil {
		return nil, fmt.Errorf("session: encoding state for resync: %w", err)
	}
	vector, err := store.EncodeStateVector()
	if err != nil {
		return nil, fmt.Errorf("session: encoding state vector for resync: %w", err)
	}
	env := envelope{
		Type:           envelopeResync,
		State:          state,
		StateVector:    vector,
		AwarenessQuery: true,
	}
	if awareness != nil {
		local := awareness.Local()
		env.From = awareness.LocalID()
		env.Awareness = &local
	}
	return encodeEnvelope(env)
}
