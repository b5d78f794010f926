// Copyright (c) 2024-2025 Six After, Inc
//
// This source code is licensed under the Apache 2.0 License found in the
// LICENSE file in the root directory of this source tree.

package seqvault

import "errors"

// KeySize is the size in bytes of all symmetric keys (AES-256).
const KeySize = 32

// ErrInvalidKeySize is returned when constructing a Key from a slice that is
// not exactly KeySize bytes.
var ErrInvalidKeySize = errors.New("key must be 32 bytes")

// Key holds 256-bit secret material. Destroy overwrites the bytes so secrets
// do not linger in memory after use; every key the store creates or accepts
// is held in this wrapper.
type Key struct {
	b []byte
}

// NewKey copies material into a fresh Key. The caller retains ownership of
// the input slice and should zero it when done.
func NewKey(material []byte) (*Key, error) {
	if len(material) != KeySize {
		return nil, ErrInvalidKeySize
	}
	k := &Key{b: make([]byte, KeySize)}
	copy(k.b, material)
	return k, nil
}

// Bytes exposes the key material. The returned slice aliases the key's
// storage and becomes invalid after Destroy.
func (k *Key) Bytes() []byte {
	return k.b
}

// Destroy overwrites the key material and releases it. The key is unusable
// afterwards.
func (k *Key) Destroy() {
	for i := range k.b {
		k.b[i] = 0
	}
	k.b = nil
}
