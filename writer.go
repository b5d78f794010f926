// Copyright (c) 2024-2025 Six After, Inc
//
// This source code is licensed under the Apache 2.0 License found in the
// LICENSE file in the root directory of this source tree.

package seqvault

import (
	"github.com/PowerDNS/lmdb-go/lmdb"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Writer appends events to the store. Every append runs in one write
// transaction covering the event log, the stream index, and, as needed, the
// keystore and blob tables; either all writes commit or none do. Writers
// share the environment's single-writer discipline, and all Writers created
// against one Store publish to the same notification bus.
type Writer[E any] struct {
	store *Store
	enc   Encoder[E]
	log   zerolog.Logger
}

// NewWriter returns a Writer appending events encoded by enc.
func NewWriter[E any](store *Store, enc Encoder[E]) *Writer[E] {
	return &Writer[E]{
		store: store,
		enc:   enc,
		log:   store.log,
	}
}

// Append writes one event to a stream under optimistic concurrency control:
// expectedVersion must be exactly one past the stream's current version.
// On success it returns the assigned global sequence. On a version mismatch
// it returns ConcurrencyConflictError and leaves the store untouched; the
// caller may re-read the stream and retry.
func (w *Writer[E]) Append(id StreamID, expectedVersion uint32, event E) (uint64, error) {
	if expectedVersion == 0 {
		return 0, ErrInvalidExpectedVersion
	}
	return w.append(id, expectedVersion, false, event)
}

// AppendAuto writes one event at the stream's next version unconditionally,
// skipping the concurrency check.
func (w *Writer[E]) AppendAuto(id StreamID, event E) (uint64, error) {
	return w.append(id, 0, true, event)
}

func (w *Writer[E]) append(id StreamID, expected uint32, auto bool, event E) (uint64, error) {
	var (
		seq        uint64
		version    uint32
		createdKey *Key
	)
	err := w.store.update(func(txn *lmdb.Txn) error {
		// A retried transaction must not reuse a key generated by an
		// earlier, aborted attempt.
		if createdKey != nil {
			createdKey.Destroy()
			createdKey = nil
		}

		current, err := lastStreamVersion(txn, w.store.tables.streams, id)
		if err != nil {
			return err
		}
		if auto {
			expected = current + 1
		} else if expected != current+1 {
			return &ConcurrencyConflictError{
				StreamID:        id,
				CurrentVersion:  current,
				ExpectedVersion: expected,
			}
		}
		version = expected

		last, err := lastSequence(txn, w.store.tables.events)
		if err != nil {
			return err
		}
		seq = last + 1

		payload, err := w.enc.Encode(event)
		if err != nil {
			return errors.Wrap(err, "serialization: encode event")
		}
		kind := payloadInline
		if len(payload) >= MaxInlineSize {
			hash, berr := w.store.blobs.put(txn, payload)
			if berr != nil {
				return berr
			}
			payload = hash[:]
			kind = payloadBlobRef
		}

		value := encodeEventRecord(id, version, seq, kind, payload)
		if w.store.engine != nil {
			sk, fresh, kerr := w.streamKey(txn, id)
			if kerr != nil {
				return kerr
			}
			if fresh {
				createdKey = sk
			}
			sealed, serr := w.store.engine.sealRecord(sk, id, seq, value)
			if serr != nil {
				return serr
			}
			// Encrypted layout: stream id, nonce, ciphertext, tag. The
			// prefix lets readers locate the stream key; the AAD binds it.
			value = make([]byte, 0, StreamIDSize+len(sealed))
			value = append(value, id[:]...)
			value = append(value, sealed...)
		}

		if err = txn.Put(w.store.tables.events, sequenceKey(seq), value, 0); err != nil {
			return errors.Wrap(err, "storage: write event")
		}
		if err = txn.Put(w.store.tables.streams, streamIndexKey(id, version), sequenceKey(seq), 0); err != nil {
			return errors.Wrap(err, "storage: write stream index")
		}
		return nil
	})
	if err != nil {
		if createdKey != nil {
			createdKey.Destroy()
		}
		return 0, err
	}

	// The key is cached only after its keystore entry committed.
	if createdKey != nil {
		w.store.engine.cacheKey(id, createdKey)
	}

	// Best effort: subscribers cover a dropped notification by re-reading
	// the persisted high-water mark.
	w.store.bus.Publish(seq)

	w.log.Debug().
		Str("stream", id.String()).
		Uint32("version", version).
		Uint64("sequence", seq).
		Msg("event appended")
	return seq, nil
}

// streamKey resolves the stream's encryption key, generating and persisting
// a wrapped key on first append to the stream. fresh reports whether the key
// was created by this call; the caller must hand a fresh key to the engine
// cache only after the transaction commits.
func (w *Writer[E]) streamKey(txn *lmdb.Txn, id StreamID) (sk *Key, fresh bool, err error) {
	engine := w.store.engine
	if k, ok := engine.cachedKey(id); ok {
		return k, false, nil
	}

	data, err := txn.Get(w.store.tables.keys, id[:])
	if err == nil {
		k, uerr := engine.unwrapStreamKey(data, id)
		if uerr != nil {
			return nil, false, uerr
		}
		return engine.cacheKey(id, k), false, nil
	}
	if !lmdb.IsNotFound(err) {
		return nil, false, errors.Wrap(err, "storage: read stream key")
	}

	k, err := engine.generateStreamKey()
	if err != nil {
		return nil, false, err
	}
	wrapped, err := engine.wrapStreamKey(k, id)
	if err != nil {
		k.Destroy()
		return nil, false, err
	}
	if err = txn.Put(w.store.tables.keys, id[:], wrapped, 0); err != nil {
		k.Destroy()
		return nil, false, errors.Wrap(err, "storage: write stream key")
	}
	return k, true, nil
}
