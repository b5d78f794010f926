// Copyright (c) 2024-2025 Six After, Inc
//
// This source code is licensed under the Apache 2.0 License found in the
// LICENSE file in the root directory of this source tree.

package seqvault

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPath is returned by Open when no environment path was configured.
	ErrInvalidPath = errors.New("invalid environment path")

	// ErrInvalidMapSize is returned by Open when the configured map size is
	// non-positive or exceeds the platform word size.
	ErrInvalidMapSize = errors.New("invalid map size")

	// ErrInvalidMaxDBs is returned by Open when the configured table limit
	// cannot accommodate the core tables.
	ErrInvalidMaxDBs = errors.New("max dbs too small for core tables")

	// ErrMissingMasterKey is returned by Open when encryption is enabled
	// without a master key.
	ErrMissingMasterKey = errors.New("master key required when encryption is enabled")

	// ErrInvalidMasterKey is returned by Open when the master key is not
	// exactly KeySize bytes.
	ErrInvalidMasterKey = errors.New("master key must be 32 bytes")

	// ErrNilRandReader is returned by Open when a nil random reader is configured.
	ErrNilRandReader = errors.New("nil random reader")

	// ErrNotFound is returned by lookups that miss. It marks an absent entry,
	// not corruption; see ErrIntegrity for the latter.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned by the safe decode path when bytes are not a
	// well-formed event record archive.
	ErrValidation = errors.New("invalid record encoding")

	// ErrAuthentication is returned when AEAD authentication fails during
	// event decryption or stream key unwrap.
	ErrAuthentication = errors.New("authentication failed")

	// ErrIntegrity is returned when persisted tables contradict each other,
	// such as a blob reference with no matching blob.
	ErrIntegrity = errors.New("integrity violation")

	// ErrEncryptionDisabled is returned by operations that require an
	// encrypted store, such as ShredStream.
	ErrEncryptionDisabled = errors.New("encryption is not enabled")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrInvalidExpectedVersion is returned by Append when the expected
	// version is zero; stream versions start at 1.
	ErrInvalidExpectedVersion = errors.New("expected version must be at least 1")

	// ErrRandomSource is returned when the configured randomness source
	// cannot supply key or nonce material.
	ErrRandomSource = errors.New("secure randomness unavailable")
)

// ConcurrencyConflictError reports an optimistic concurrency rejection. The
// caller's expected version did not follow the stream's current version; the
// append left the store untouched.
type ConcurrencyConflictError struct {
	StreamID        StreamID
	CurrentVersion  uint32
	ExpectedVersion uint32
}

// Error implements the error interface.
func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on stream %s: current version %d, expected version %d",
		e.StreamID, e.CurrentVersion, e.ExpectedVersion)
}

// HandlerError wraps an error returned by a processor handler. The processor
// halts without advancing its cursor past Sequence.
type HandlerError struct {
	Sequence uint64
	Err      error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler failed at sequence %d: %v", e.Sequence, e.Err)
}

// Unwrap returns the handler's underlying error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}
