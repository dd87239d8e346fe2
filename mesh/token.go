// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// GlareToken orders competing offers. The high bits are the offer's
// creation time in unix milliseconds, the low 16 bits are random, so
// the earlier offer wins and simultaneous offers are split by the
// random tail. Two distinct tokens always produce the same winner on
// both sides — OfferWins is a pure comparison.
type GlareToken uint64

// NewGlareToken creates a token for an outgoing offer.
func NewGlareToken() GlareToken {
	var tail [2]byte
	rand.Read(tail[:])
	millis := uint64(time.Now().UnixMilli())
	return GlareToken(millis<<16 | uint64(binary.BigEndian.Uint16(tail[:])))
}

// OfferWins reports whether an inbound offer beats the local pending
// offer: it wins unless its token is strictly greater. The local side
// then yields — clears its own token, drops its attempt, and answers
// the inbound offer. Evaluated on both peers, exactly one offer
// survives for any pair of distinct tokens.
func OfferWins(inbound, localPending GlareToken) bool {
	return inbound <= localPending
}
