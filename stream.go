// Copyright (c) 2024-2025 Six After, Inc
//
// This source code is licensed under the Apache 2.0 License found in the
// LICENSE file in the root directory of this source tree.

package seqvault

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"

	"github.com/cespare/xxhash/v2"
)

// StreamIDSize is the size in bytes of a stream identifier.
const StreamIDSize = 16

// StreamID is a 128-bit opaque stream identifier. The store never interprets
// its contents; embedders may derive it from UUIDs, hashes, or counters.
type StreamID [StreamIDSize]byte

// EmptyStreamID is the zero stream identifier.
var EmptyStreamID StreamID

// ErrInvalidStreamID is returned when parsing a malformed stream identifier.
var ErrInvalidStreamID = errors.New("invalid stream id")

// NewStreamID returns a random stream identifier drawn from r. If r is nil,
// the system CSPRNG is used.
func NewStreamID(r io.Reader) (StreamID, error) {
	if r == nil {
		r = rand.Reader
	}
	var id StreamID
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return EmptyStreamID, err
	}
	return id, nil
}

// ParseStreamID parses a 32-character hex string into a StreamID.
func ParseStreamID(s string) (StreamID, error) {
	if hex.DecodedLen(len(s)) != StreamIDSize {
		return EmptyStreamID, ErrInvalidStreamID
	}
	var id StreamID
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return EmptyStreamID, ErrInvalidStreamID
	}
	return id, nil
}

// String returns the hex form of the stream identifier.
func (id StreamID) String() string {
	return hex.EncodeToString(id[:])
}

// ConsumerID derives a stable 64-bit consumer identifier from a name. The
// store persists the identifier verbatim; the mapping is not reversible.
func ConsumerID(name string) uint64 {
	return xxhash.Sum64String(name)
}

// Table keys are fixed-width binary with big-endian counters so that the
// engine's lexicographic key order matches numeric order.

// sequenceKey encodes a global sequence as an events_log key.
func sequenceKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// streamIndexKey encodes (stream id, stream version) as a stream_index key.
func streamIndexKey(id StreamID, version uint32) []byte {
	k := make([]byte, StreamIDSize+4)
	copy(k, id[:])
	binary.BigEndian.PutUint32(k[StreamIDSize:], version)
	return k
}

// cursorKey encodes a consumer id as a consumer_cursors key.
func cursorKey(consumerID uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, consumerID)
	return k
}
