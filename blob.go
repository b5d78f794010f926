// Copyright (c) 2024-2025 Six After, Inc
//
// This source code is licensed under the Apache 2.0 License found in the
// LICENSE file in the root directory of this source tree.

package seqvault

import (
	"bytes"

	"github.com/PowerDNS/lmdb-go/lmdb"
	"github.com/pkg/errors"
	"lukechampine.com/blake3"
)

// MaxInlineSize is the inline payload threshold in bytes. Encoded payloads
// of this size or larger are routed to the content-addressed blob sidecar
// and referenced from the event record by hash.
const MaxInlineSize = 2048

// blobStore is the content-addressed sidecar for large payloads. Addresses
// are blake3-256 of the raw payload; blobs are immutable and deduplicated,
// and the core never collects unreferenced entries. When encryption is
// enabled, values are sealed under the master key with the content hash as
// AAD.
type blobStore struct {
	dbi    lmdb.DBI
	engine *cipherEngine
}

func newBlobStore(dbi lmdb.DBI, engine *cipherEngine) *blobStore {
	return &blobStore{dbi: dbi, engine: engine}
}

// put stores payload if its content hash is absent and returns the hash.
func (b *blobStore) put(txn *lmdb.Txn, payload []byte) ([contentHashSize]byte, error) {
	sum := blake3.Sum256(payload)
	_, err := txn.Get(b.dbi, sum[:])
	if err == nil {
		return sum, nil
	}
	if !lmdb.IsNotFound(err) {
		return sum, errors.Wrap(err, "storage: blob lookup")
	}

	value := payload
	if b.engine != nil {
		if value, err = b.engine.sealBlob(sum[:], payload); err != nil {
			return sum, err
		}
	}
	if err = txn.Put(b.dbi, sum[:], value, 0); err != nil {
		return sum, errors.Wrap(err, "storage: blob write")
	}
	return sum, nil
}

// get resolves a content hash to the original payload bytes. The returned
// slice is owned by the caller. After the copy, the kernel is advised to
// drop the mapped range so cold blob reads do not evict hot log pages.
// A missing blob, or on a plaintext store one whose bytes no longer hash to
// its address, surfaces as ErrIntegrity; a sealed blob that fails to open
// surfaces as ErrAuthentication.
func (b *blobStore) get(txn *lmdb.Txn, hash []byte) ([]byte, error) {
	v, err := txn.Get(b.dbi, hash)
	if lmdb.IsNotFound(err) {
		return nil, ErrIntegrity
	}
	if err != nil {
		return nil, errors.Wrap(err, "storage: blob read")
	}

	var out []byte
	if b.engine != nil {
		if out, err = b.engine.openBlob(hash, v); err != nil {
			return nil, err
		}
	} else {
		out = make([]byte, len(v))
		copy(out, v)
		sum := blake3.Sum256(out)
		if !bytes.Equal(sum[:], hash) {
			return nil, ErrIntegrity
		}
	}
	adviseDontNeed(v)
	return out, nil
}
