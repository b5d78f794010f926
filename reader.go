// Copyright (c) 2024-2025 Six After, Inc
//
// This source code is licensed under the Apache 2.0 License found in the
// LICENSE file in the root directory of this source tree.

package seqvault

import (
	"encoding/binary"

	"github.com/PowerDNS/lmdb-go/lmdb"
	"github.com/pkg/errors"
)

// EventView is a read-only, typed view of one committed event. In the
// plaintext inline case it borrows mapped bytes and is valid only for the
// lifetime of the read transaction it was produced in; in the encrypted and
// blob-resolved cases it owns its buffer. Owned reports which applies.
type EventView[V any] struct {
	streamID      StreamID
	streamVersion uint32
	globalSeq     uint64
	payload       []byte
	event         V
	owned         bool
}

// StreamID returns the stream the event belongs to.
func (v *EventView[V]) StreamID() StreamID {
	return v.streamID
}

// StreamVersion returns the event's position within its stream.
func (v *EventView[V]) StreamVersion() uint32 {
	return v.streamVersion
}

// GlobalSequence returns the event's position in the global log.
func (v *EventView[V]) GlobalSequence() uint64 {
	return v.globalSeq
}

// Event returns the typed view over the payload bytes.
func (v *EventView[V]) Event() V {
	return v.event
}

// Payload returns the raw payload bytes backing the typed view.
func (v *EventView[V]) Payload() []byte {
	return v.payload
}

// Owned reports whether the view owns its buffer. A borrowed view must not
// outlive its read transaction.
func (v *EventView[V]) Owned() bool {
	return v.owned
}

// Reader resolves committed events into typed views. Get and GetByStream
// must run inside a read transaction obtained from the same store; views
// that borrow mapped bytes are invalidated when that transaction ends.
type Reader[V any] struct {
	store *Store
	dec   Decoder[V]
}

// NewReader returns a Reader decoding payloads with dec.
func NewReader[V any](store *Store, dec Decoder[V]) *Reader[V] {
	return &Reader[V]{
		store: store,
		dec:   dec,
	}
}

// Get returns the event at a global sequence, or ErrNotFound. Bytes read
// from storage pass the validating decode path before typed access: always
// in the plaintext case, and again after decryption, since authenticated
// bytes must still be structurally sound.
func (r *Reader[V]) Get(txn *lmdb.Txn, seq uint64) (*EventView[V], error) {
	raw, err := txn.Get(r.store.tables.events, sequenceKey(seq))
	if lmdb.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "storage: read event")
	}

	buf := raw
	owned := false
	if r.store.engine != nil {
		// Encrypted layout: stream id, nonce, ciphertext, tag. The prefix
		// locates the stream key and is bound by the AAD, so tampering with
		// it fails authentication.
		if len(raw) < StreamIDSize+nonceSize+tagSize {
			return nil, ErrAuthentication
		}
		var sid StreamID
		copy(sid[:], raw[:StreamIDSize])
		sk, kerr := r.streamKey(txn, sid)
		if kerr != nil {
			return nil, kerr
		}
		if buf, err = r.store.engine.openRecord(sk, sid, seq, raw[StreamIDSize:]); err != nil {
			return nil, err
		}
		owned = true
	}

	if err = verifyEventRecord(buf); err != nil {
		return nil, err
	}
	rec := rootAsEventRecord(buf, 0)
	if rec.GlobalSequence() != seq {
		return nil, ErrIntegrity
	}
	var sid StreamID
	copy(sid[:], rec.StreamIDBytes())

	payload := rec.PayloadBytes()
	if rec.PayloadKind() == payloadBlobRef {
		if payload, err = r.store.blobs.get(txn, rec.PayloadBytes()); err != nil {
			return nil, err
		}
		owned = true
	}

	event, err := r.dec.ValidatedView(payload)
	if err != nil {
		return nil, err
	}
	return &EventView[V]{
		streamID:      sid,
		streamVersion: rec.StreamVersion(),
		globalSeq:     seq,
		payload:       payload,
		event:         event,
		owned:         owned,
	}, nil
}

// GetByStream returns the event at (stream, version), or ErrNotFound. It
// resolves the global sequence through the stream index and cross-checks the
// record against the index entry.
func (r *Reader[V]) GetByStream(txn *lmdb.Txn, id StreamID, version uint32) (*EventView[V], error) {
	v, err := txn.Get(r.store.tables.streams, streamIndexKey(id, version))
	if lmdb.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "storage: read stream index")
	}
	if len(v) != 8 {
		return nil, ErrIntegrity
	}
	seq := binary.BigEndian.Uint64(v)

	view, err := r.Get(txn, seq)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// The index points at a log entry that does not exist.
			return nil, ErrIntegrity
		}
		return nil, err
	}
	if view.streamID != id || view.streamVersion != version {
		return nil, ErrIntegrity
	}
	return view, nil
}

// StreamCursor returns the last committed version of a stream, or 0 if the
// stream has no events.
func (r *Reader[V]) StreamCursor(txn *lmdb.Txn, id StreamID) (uint32, error) {
	return lastStreamVersion(txn, r.store.tables.streams, id)
}

// streamKey resolves a stream's key for decryption. A missing keystore entry
// for an existing ciphertext is an authentication failure: either the record
// address was tampered with or the key was shredded.
func (r *Reader[V]) streamKey(txn *lmdb.Txn, id StreamID) (*Key, error) {
	engine := r.store.engine
	if k, ok := engine.cachedKey(id); ok {
		return k, nil
	}
	data, err := txn.Get(r.store.tables.keys, id[:])
	if lmdb.IsNotFound(err) {
		return nil, ErrAuthentication
	}
	if err != nil {
		return nil, errors.Wrap(err, "storage: read stream key")
	}
	k, err := engine.unwrapStreamKey(data, id)
	if err != nil {
		return nil, err
	}
	return engine.cacheKey(id, k), nil
}
