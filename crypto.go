// Copyright (c) 2024-2025 Six After, Inc
//
// This source code is licensed under the Apache 2.0 License found in the
// LICENSE file in the root directory of this source tree.

package seqvault

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

const (
	// nonceSize is the AEAD nonce size in bytes (GCM standard).
	nonceSize = 12

	// tagSize is the AEAD authentication tag size in bytes.
	tagSize = 16

	// aadSize is the size of the additional authenticated data binding a
	// record to its (stream id, global sequence) position.
	aadSize = StreamIDSize + 8

	// wrappedKeySize is the persisted size of a wrapped stream key:
	// wrap nonce, ciphertext, tag.
	wrappedKeySize = nonceSize + KeySize + tagSize
)

// recordAAD builds the positional AAD for an event: stream id followed by the
// big-endian global sequence. The buffer lives on the caller's stack.
func recordAAD(id StreamID, seq uint64) [aadSize]byte {
	var aad [aadSize]byte
	copy(aad[:], id[:])
	binary.BigEndian.PutUint64(aad[StreamIDSize:], seq)
	return aad
}

// cipherEngine performs all AEAD operations for the store: stream key
// generation, key wrap and unwrap under the master key, and event payload
// seal and open. Unwrapped stream keys are cached after first use; keys are
// immutable once created, so cached entries never change.
type cipherEngine struct {
	master *Key
	rand   io.Reader

	mu    sync.RWMutex
	cache map[StreamID]*Key
}

func newCipherEngine(master *Key, rand io.Reader) *cipherEngine {
	return &cipherEngine{
		master: master,
		rand:   rand,
		cache:  make(map[StreamID]*Key),
	}
}

// destroy zeroes the master key and every cached stream key.
func (e *cipherEngine) destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, k := range e.cache {
		k.Destroy()
		delete(e.cache, id)
	}
	e.master.Destroy()
}

func (e *cipherEngine) cachedKey(id StreamID) (*Key, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	k, ok := e.cache[id]
	return k, ok
}

func (e *cipherEngine) cacheKey(id StreamID, k *Key) *Key {
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.cache[id]; ok {
		k.Destroy()
		return existing
	}
	e.cache[id] = k
	return k
}

// forgetKey drops and zeroes the cached key for id, if any. Used by
// crypto-shredding.
func (e *cipherEngine) forgetKey(id StreamID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if k, ok := e.cache[id]; ok {
		k.Destroy()
		delete(e.cache, id)
	}
}

func (e *cipherEngine) readRand(b []byte) error {
	if _, err := io.ReadFull(e.rand, b); err != nil {
		return fmt.Errorf("%w: %v", ErrRandomSource, err)
	}
	return nil
}

// generateStreamKey draws a fresh 256-bit key from the configured CSPRNG.
func (e *cipherEngine) generateStreamKey() (*Key, error) {
	material := make([]byte, KeySize)
	if err := e.readRand(material); err != nil {
		return nil, err
	}
	k, err := NewKey(material)
	for i := range material {
		material[i] = 0
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}

func aead(k *Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(k.Bytes())
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// wrapStreamKey seals a stream key under the master key with a fresh nonce.
// The stream id is bound as AAD so a wrapped key cannot be replayed into the
// keystore slot of a different stream. Layout: nonce, ciphertext, tag.
func (e *cipherEngine) wrapStreamKey(sk *Key, id StreamID) ([]byte, error) {
	g, err := aead(e.master)
	if err != nil {
		return nil, err
	}
	out := make([]byte, nonceSize, wrappedKeySize)
	if err := e.readRand(out[:nonceSize]); err != nil {
		return nil, err
	}
	return g.Seal(out, out[:nonceSize], sk.Bytes(), id[:]), nil
}

// unwrapStreamKey opens a persisted keystore value. Authentication failure
// surfaces as ErrAuthentication.
func (e *cipherEngine) unwrapStreamKey(data []byte, id StreamID) (*Key, error) {
	if len(data) != wrappedKeySize {
		return nil, ErrAuthentication
	}
	g, err := aead(e.master)
	if err != nil {
		return nil, err
	}
	material, err := g.Open(nil, data[:nonceSize], data[nonceSize:], id[:])
	if err != nil {
		return nil, ErrAuthentication
	}
	k, err := NewKey(material)
	for i := range material {
		material[i] = 0
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}

// sealRecord encrypts an encoded event record into a new buffer, bound by
// AAD to its log position. Layout: nonce, ciphertext, tag.
func (e *cipherEngine) sealRecord(sk *Key, id StreamID, seq uint64, plaintext []byte) ([]byte, error) {
	g, err := aead(sk)
	if err != nil {
		return nil, err
	}
	out := make([]byte, nonceSize, nonceSize+len(plaintext)+tagSize)
	if err := e.readRand(out[:nonceSize]); err != nil {
		return nil, err
	}
	aad := recordAAD(id, seq)
	return g.Seal(out, out[:nonceSize], plaintext, aad[:]), nil
}

// openRecord decrypts a persisted event record. Any mismatch of stream,
// sequence, or content surfaces as ErrAuthentication.
func (e *cipherEngine) openRecord(sk *Key, id StreamID, seq uint64, data []byte) ([]byte, error) {
	if len(data) < nonceSize+tagSize {
		return nil, ErrAuthentication
	}
	g, err := aead(sk)
	if err != nil {
		return nil, err
	}
	aad := recordAAD(id, seq)
	plaintext, err := g.Open(nil, data[:nonceSize], data[nonceSize:], aad[:])
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// sealBlob encrypts a blob value under the master key with the content hash
// as AAD. Per-stream keys cannot serve blobs because content addressing
// dedups identical payloads across streams.
func (e *cipherEngine) sealBlob(hash []byte, plaintext []byte) ([]byte, error) {
	g, err := aead(e.master)
	if err != nil {
		return nil, err
	}
	out := make([]byte, nonceSize, nonceSize+len(plaintext)+tagSize)
	if err := e.readRand(out[:nonceSize]); err != nil {
		return nil, err
	}
	return g.Seal(out, out[:nonceSize], plaintext, hash), nil
}

// openBlob decrypts a blob value sealed by sealBlob.
func (e *cipherEngine) openBlob(hash []byte, data []byte) ([]byte, error) {
	if len(data) < nonceSize+tagSize {
		return nil, ErrAuthentication
	}
	g, err := aead(e.master)
	if err != nil {
		return nil, err
	}
	plaintext, err := g.Open(nil, data[:nonceSize], data[nonceSize:], hash)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}
