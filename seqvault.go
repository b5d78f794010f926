// Copyright (c) 2024-2025 Six After, Inc
//
// This source code is licensed under the Apache 2.0 License found in the
// LICENSE file in the root directory of this source tree.

// Package seqvault is an embedded, append-only event store on top of a
// memory-mapped B-tree engine. It persists strongly ordered events grouped
// into per-entity streams, enforces optimistic concurrency per stream,
// exposes zero-copy read views over persisted bytes, optionally applies
// authenticated encryption at rest with per-stream keys, and notifies
// in-process subscribers of newly committed events.
//
// Stream identifiers are stored in the clear in the stream index to keep
// range scans cheap; deployments whose threat model forbids that should hash
// identifiers before handing them to the store.
package seqvault

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"io"
	"math"
	"os"
	"sync/atomic"

	"github.com/PowerDNS/lmdb-go/lmdb"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	// DefaultMapSize is the default maximum size of the mapped region: 1 GiB.
	DefaultMapSize = int64(1) << 30

	// DefaultMaxDBs is the default named-table limit: the five core tables
	// plus reserved slack.
	DefaultMaxDBs = 8

	// numCoreTables is the number of named tables the store requires.
	numCoreTables = 5
)

// Named tables. The layout is part of the persisted format and must remain
// stable over time.
const (
	tableEvents  = "events_log"
	tableStreams = "stream_index"
	tableCursors = "consumer_cursors"
	tableKeys    = "keystore"
	tableBlobs   = "blobs"
)

// Option defines a function type for configuring the store.
type Option func(*ConfigOptions)

// ConfigOptions holds the configurable options for the store. It is used
// with the Function Options pattern.
type ConfigOptions struct {
	// Path is the filesystem directory of the environment. It is created if
	// it does not exist.
	Path string

	// MapSize is the maximum size in bytes of the memory map. It is
	// validated against the platform word size before the environment opens.
	MapSize int64

	// MaxDBs is the upper bound on named tables. It must accommodate the
	// five core tables.
	MaxDBs int

	// EncryptionEnabled turns on authenticated encryption at rest with
	// per-stream keys wrapped under MasterKey.
	EncryptionEnabled bool

	// MasterKey is the 32-byte key wrapping all stream keys. Required when
	// EncryptionEnabled is set. The store copies it into a container that is
	// zeroed on Close.
	MasterKey []byte

	// RandReader is the source of randomness for stream keys and AEAD
	// nonces. By default it is crypto/rand.Reader; any replacement must be
	// cryptographically secure.
	RandReader io.Reader

	// Logger receives structured store logs. Defaults to a no-op logger.
	Logger zerolog.Logger
}

// WithPath sets the filesystem directory of the environment.
func WithPath(path string) Option {
	return func(c *ConfigOptions) {
		c.Path = path
	}
}

// WithMapSize sets the maximum size in bytes of the memory map.
func WithMapSize(size int64) Option {
	return func(c *ConfigOptions) {
		c.MapSize = size
	}
}

// WithMaxDBs sets the upper bound on named tables.
func WithMaxDBs(n int) Option {
	return func(c *ConfigOptions) {
		c.MaxDBs = n
	}
}

// WithEncryption enables authenticated encryption at rest under masterKey.
func WithEncryption(masterKey []byte) Option {
	return func(c *ConfigOptions) {
		c.EncryptionEnabled = true
		c.MasterKey = masterKey
	}
}

// WithRandReader sets a custom random reader for key and nonce material.
func WithRandReader(reader io.Reader) Option {
	return func(c *ConfigOptions) {
		c.RandReader = reader
	}
}

// WithLogger sets the structured logger used by the store, writers, and
// processors.
func WithLogger(log zerolog.Logger) Option {
	return func(c *ConfigOptions) {
		c.Logger = log
	}
}

// tables holds the handles of the named tables.
type tables struct {
	events  lmdb.DBI
	streams lmdb.DBI
	cursors lmdb.DBI
	keys    lmdb.DBI
	blobs   lmdb.DBI
}

// Store owns the memory-mapped environment, the named tables, the optional
// cipher engine, the blob sidecar, and the notification bus shared by every
// Writer constructed against it. All handles derived from one Store observe
// the same committed state and the same bus.
type Store struct {
	env    *lmdb.Env
	tables tables
	engine *cipherEngine
	blobs  *blobStore
	bus    *sequenceBus
	log    zerolog.Logger
	closed atomic.Bool
}

// Open validates the configuration, opens the environment, and prepares the
// named tables. The returned store must be closed to release the map and
// zero key material.
func Open(options ...Option) (*Store, error) {
	opts := &ConfigOptions{
		Path:       "",
		MapSize:    DefaultMapSize,
		MaxDBs:     DefaultMaxDBs,
		RandReader: rand.Reader,
		Logger:     zerolog.Nop(),
	}
	for _, opt := range options {
		opt(opts)
	}

	if opts.Path == "" {
		return nil, ErrInvalidPath
	}
	maxInt := int64(^uint(0) >> 1)
	if opts.MapSize <= 0 || opts.MapSize > maxInt {
		return nil, ErrInvalidMapSize
	}
	if opts.MaxDBs < numCoreTables {
		return nil, ErrInvalidMaxDBs
	}
	if opts.RandReader == nil {
		return nil, ErrNilRandReader
	}

	if opts.EncryptionEnabled {
		if opts.MasterKey == nil {
			return nil, ErrMissingMasterKey
		}
		if len(opts.MasterKey) != KeySize {
			return nil, ErrInvalidMasterKey
		}
	}

	if err := os.MkdirAll(opts.Path, 0o755); err != nil {
		return nil, errors.Wrap(ErrInvalidPath, err.Error())
	}

	env, err := lmdb.NewEnv()
	if err != nil {
		return nil, errors.Wrap(err, "storage: create environment")
	}
	if err = env.SetMaxDBs(opts.MaxDBs); err != nil {
		env.Close()
		return nil, errors.Wrap(err, "storage: set max dbs")
	}
	if err = env.SetMapSize(opts.MapSize); err != nil {
		env.Close()
		return nil, errors.Wrap(err, "storage: set map size")
	}
	if err = env.Open(opts.Path, 0, 0o644); err != nil {
		env.Close()
		return nil, errors.Wrap(err, "storage: open environment")
	}

	var engine *cipherEngine
	if opts.EncryptionEnabled {
		master, kerr := NewKey(opts.MasterKey)
		if kerr != nil {
			env.Close()
			return nil, kerr
		}
		engine = newCipherEngine(master, opts.RandReader)
	}

	s := &Store{
		env:    env,
		engine: engine,
		log:    opts.Logger,
	}
	fail := func(err error) (*Store, error) {
		if engine != nil {
			engine.destroy()
		}
		env.Close()
		return nil, err
	}

	err = env.Update(func(txn *lmdb.Txn) error {
		var terr error
		if s.tables.events, terr = txn.OpenDBI(tableEvents, lmdb.Create); terr != nil {
			return terr
		}
		if s.tables.streams, terr = txn.OpenDBI(tableStreams, lmdb.Create); terr != nil {
			return terr
		}
		if s.tables.cursors, terr = txn.OpenDBI(tableCursors, lmdb.Create); terr != nil {
			return terr
		}
		if s.tables.keys, terr = txn.OpenDBI(tableKeys, lmdb.Create); terr != nil {
			return terr
		}
		s.tables.blobs, terr = txn.OpenDBI(tableBlobs, lmdb.Create)
		return terr
	})
	if err != nil {
		return fail(errors.Wrap(err, "storage: open tables"))
	}

	s.blobs = newBlobStore(s.tables.blobs, engine)

	// Seed the bus with the persisted high-water mark so subscribers created
	// before the first append observe a correct baseline.
	var last uint64
	err = s.View(func(txn *lmdb.Txn) error {
		var verr error
		last, verr = lastSequence(txn, s.tables.events)
		return verr
	})
	if err != nil {
		return fail(err)
	}
	s.bus = newSequenceBus(last)

	s.log.Debug().
		Str("path", opts.Path).
		Int64("map_size", opts.MapSize).
		Bool("encrypted", engine != nil).
		Uint64("last_sequence", last).
		Msg("store opened")
	return s, nil
}

// Close releases the environment and zeroes all key material. The store and
// every handle derived from it are unusable afterwards.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	if s.engine != nil {
		s.engine.destroy()
	}
	return s.env.Close()
}

// Encrypted reports whether the store applies encryption at rest.
func (s *Store) Encrypted() bool {
	return s.engine != nil
}

// View runs fn in a read transaction with zero-copy reads enabled: byte
// slices fetched inside fn alias the memory map and are only valid until fn
// returns. Readers may run in parallel and never block the writer.
func (s *Store) View(fn func(txn *lmdb.Txn) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.env.View(func(txn *lmdb.Txn) error {
		txn.RawRead = true
		return fn(txn)
	})
}

// update runs fn in the environment's single write transaction.
func (s *Store) update(fn func(txn *lmdb.Txn) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.env.Update(fn)
}

// beginRead opens an unmanaged zero-copy read transaction. The caller owns
// its lifecycle (Reset, Renew, Abort); the processor uses this to avoid
// reopening transactions between drains.
func (s *Store) beginRead() (*lmdb.Txn, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	txn, err := s.env.BeginTxn(nil, lmdb.Readonly)
	if err != nil {
		return nil, errors.Wrap(err, "storage: begin read")
	}
	txn.RawRead = true
	return txn, nil
}

// LastSequence returns the committed high-water mark, or 0 for an empty
// store.
func (s *Store) LastSequence() (uint64, error) {
	var last uint64
	err := s.View(func(txn *lmdb.Txn) error {
		var verr error
		last, verr = lastSequence(txn, s.tables.events)
		return verr
	})
	return last, err
}

// Subscribe returns a subscription observing the committed high-water mark.
// Notifications coalesce; a subscriber always sees at least the latest
// published sequence on its next observation.
func (s *Store) Subscribe() *Subscription {
	return &Subscription{bus: s.bus}
}

// ShredStream deletes the wrapped key of a stream, rendering its ciphertext
// permanently unrecoverable. The event records themselves remain. Returns
// ErrNotFound if the stream has no key and ErrEncryptionDisabled on a
// plaintext store.
func (s *Store) ShredStream(id StreamID) error {
	if s.engine == nil {
		return ErrEncryptionDisabled
	}
	err := s.update(func(txn *lmdb.Txn) error {
		if err := txn.Del(s.tables.keys, id[:], nil); err != nil {
			if lmdb.IsNotFound(err) {
				return ErrNotFound
			}
			return errors.Wrap(err, "storage: delete stream key")
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.engine.forgetKey(id)
	s.log.Info().Str("stream", id.String()).Msg("stream key shredded")
	return nil
}

// lastSequence returns the highest committed global sequence, or 0.
func lastSequence(txn *lmdb.Txn, dbi lmdb.DBI) (uint64, error) {
	cur, err := txn.OpenCursor(dbi)
	if err != nil {
		return 0, errors.Wrap(err, "storage: open cursor")
	}
	defer cur.Close()

	k, _, err := cur.Get(nil, nil, lmdb.Last)
	if lmdb.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "storage: seek last sequence")
	}
	if len(k) != 8 {
		return 0, ErrIntegrity
	}
	return binary.BigEndian.Uint64(k), nil
}

// lastStreamVersion returns the highest committed version of a stream, or 0
// if the stream has no events. Keys sort as stream id then big-endian
// version, so the answer is the entry just before the stream's upper bound.
func lastStreamVersion(txn *lmdb.Txn, dbi lmdb.DBI, id StreamID) (uint32, error) {
	cur, err := txn.OpenCursor(dbi)
	if err != nil {
		return 0, errors.Wrap(err, "storage: open cursor")
	}
	defer cur.Close()

	hi := streamIndexKey(id, math.MaxUint32)
	k, _, err := cur.Get(hi, nil, lmdb.SetRange)
	switch {
	case lmdb.IsNotFound(err):
		k, _, err = cur.Get(nil, nil, lmdb.Last)
		if lmdb.IsNotFound(err) {
			return 0, nil
		}
		if err != nil {
			return 0, errors.Wrap(err, "storage: seek stream tail")
		}
	case err != nil:
		return 0, errors.Wrap(err, "storage: seek stream tail")
	default:
		k, _, err = cur.Get(nil, nil, lmdb.Prev)
		if lmdb.IsNotFound(err) {
			return 0, nil
		}
		if err != nil {
			return 0, errors.Wrap(err, "storage: seek stream tail")
		}
	}

	if len(k) != StreamIDSize+4 || !bytes.Equal(k[:StreamIDSize], id[:]) {
		return 0, nil
	}
	return binary.BigEndian.Uint32(k[StreamIDSize:]), nil
}
