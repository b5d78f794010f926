// Copyright (c) 2024-2025 Six After, Inc
//
// This source code is licensed under the Apache 2.0 License found in the
// LICENSE file in the root directory of this source tree.

package seqvault

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	"github.com/PowerDNS/lmdb-go/lmdb"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	// DefaultBatchSize is the number of handled events between cursor
	// checkpoints.
	DefaultBatchSize = 64

	// DefaultBatchTimeout is how long an unflushed batch may age before it
	// is checkpointed regardless of size.
	DefaultBatchTimeout = 250 * time.Millisecond

	// DefaultPollInterval bounds how long an idle processor waits on the
	// bus before re-checking the persisted high-water mark. It covers
	// dropped notifications.
	DefaultPollInterval = 3 * time.Second
)

// ErrNilHandler is returned by NewProcessor when no handler is supplied.
var ErrNilHandler = errors.New("nil handler")

// Handler consumes decoded event views in global-sequence order. Returning
// an error halts the processor without advancing the cursor past the failed
// event.
type Handler[V any] interface {
	Handle(ctx context.Context, view *EventView[V]) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc[V any] func(ctx context.Context, view *EventView[V]) error

// Handle implements Handler.
func (f HandlerFunc[V]) Handle(ctx context.Context, view *EventView[V]) error {
	return f(ctx, view)
}

// ProcessorOption defines a function type for configuring a Processor.
type ProcessorOption func(*ProcessorOptions)

// ProcessorOptions holds the configurable options for a Processor.
type ProcessorOptions struct {
	// BatchSize is the number of handled events between cursor flushes.
	// Non-positive values fall back to DefaultBatchSize.
	BatchSize int

	// BatchTimeout flushes a non-empty batch that has not reached BatchSize.
	// Non-positive values fall back to DefaultBatchTimeout.
	BatchTimeout time.Duration

	// PollInterval bounds idle bus waits. Non-positive values fall back to
	// DefaultPollInterval.
	PollInterval time.Duration

	// StartFrom, when non-zero, overrides the saved cursor: the first event
	// delivered is StartFrom. Zero means resume from the saved cursor.
	StartFrom uint64
}

// WithBatchSize sets the number of handled events between cursor flushes.
func WithBatchSize(n int) ProcessorOption {
	return func(o *ProcessorOptions) {
		o.BatchSize = n
	}
}

// WithBatchTimeout sets the age limit of an unflushed batch.
func WithBatchTimeout(d time.Duration) ProcessorOption {
	return func(o *ProcessorOptions) {
		o.BatchTimeout = d
	}
}

// WithPollInterval sets the idle re-check interval.
func WithPollInterval(d time.Duration) ProcessorOption {
	return func(o *ProcessorOptions) {
		o.PollInterval = d
	}
}

// WithStartFrom makes the processor begin at a given global sequence instead
// of its saved cursor.
func WithStartFrom(seq uint64) ProcessorOption {
	return func(o *ProcessorOptions) {
		o.StartFrom = seq
	}
}

// Processor drives a handler over committed events from a durable cursor
// forward. Delivery is at-least-once per consumer id, strictly in global
// sequence order; cursor progress is committed in batches bounded by size
// and age. On restart, processing resumes at the saved cursor plus one.
type Processor[V any] struct {
	store      *Store
	reader     *Reader[V]
	handler    Handler[V]
	consumerID uint64
	opts       ProcessorOptions
	log        zerolog.Logger
}

// NewProcessor returns a processor for one consumer id. Consumer ids are
// stable 64-bit identifiers; see ConsumerID for deriving one from a name.
func NewProcessor[V any](store *Store, dec Decoder[V], handler Handler[V], consumerID uint64, options ...ProcessorOption) (*Processor[V], error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	opts := ProcessorOptions{
		BatchSize:    DefaultBatchSize,
		BatchTimeout: DefaultBatchTimeout,
		PollInterval: DefaultPollInterval,
	}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = DefaultBatchTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Processor[V]{
		store:      store,
		reader:     NewReader[V](store, dec),
		handler:    handler,
		consumerID: consumerID,
		opts:       opts,
		log:        store.log.With().Uint64("consumer", consumerID).Logger(),
	}, nil
}

// Cursor returns the consumer's durable cursor: the last global sequence it
// has fully processed, or 0 if it has not started.
func (p *Processor[V]) Cursor() (uint64, error) {
	var cursor uint64
	err := p.store.View(func(txn *lmdb.Txn) error {
		v, gerr := txn.Get(p.store.tables.cursors, cursorKey(p.consumerID))
		if lmdb.IsNotFound(gerr) {
			return nil
		}
		if gerr != nil {
			return pkgerrors.Wrap(gerr, "storage: read cursor")
		}
		if len(v) != 8 {
			return ErrIntegrity
		}
		cursor = binary.BigEndian.Uint64(v)
		return nil
	})
	return cursor, err
}

// Run processes events until ctx is cancelled, suspending on the bus between
// drains. Cancellation finishes the in-flight handler invocation, flushes
// the cursor, and returns ctx.Err(). A handler failure flushes progress up
// to the last success and returns a HandlerError.
func (p *Processor[V]) Run(ctx context.Context) error {
	cursor, err := p.startPosition()
	if err != nil {
		return err
	}

	txn, err := p.store.beginRead()
	if err != nil {
		return err
	}
	defer txn.Abort()
	// The transaction is parked between drains and renewed per pass, so the
	// snapshot advances without reopening.
	txn.Reset()

	sub := p.store.Subscribe()
	pending := 0
	var deadline time.Time // age limit of the current unflushed batch

	p.log.Info().
		Uint64("cursor", cursor).
		Int("batch_size", p.opts.BatchSize).
		Msg("processor started")
	defer p.log.Info().Msg("processor stopped")

	for {
		if err = txn.Renew(); err != nil {
			return pkgerrors.Wrap(err, "storage: renew read")
		}
		drainErr := p.drain(ctx, txn, &cursor, &pending)
		txn.Reset()
		if drainErr != nil {
			if pending > 0 {
				if cerr := p.checkpoint(cursor); cerr == nil {
					pending = 0
				}
			}
			return drainErr
		}

		if pending == 0 {
			deadline = time.Time{}
			if _, werr := sub.NextDeadline(ctx, p.opts.PollInterval); werr != nil {
				return werr
			}
			// Either new work arrived or the poll timer fired; the next
			// drain re-reads the persisted high-water mark either way.
			continue
		}

		if deadline.IsZero() {
			deadline = time.Now().Add(p.opts.BatchTimeout)
		}
		if wait := time.Until(deadline); wait > 0 {
			if _, werr := sub.NextDeadline(ctx, wait); werr != nil {
				p.checkpointBestEffort(cursor)
				return werr
			}
		}
		if !time.Now().Before(deadline) {
			// Batch aged out.
			if err = p.checkpoint(cursor); err != nil {
				return err
			}
			pending = 0
			deadline = time.Time{}
		}
	}
}

// Drain processes every event committed so far, checkpoints, and returns.
func (p *Processor[V]) Drain(ctx context.Context) error {
	cursor, err := p.startPosition()
	if err != nil {
		return err
	}
	txn, err := p.store.beginRead()
	if err != nil {
		return err
	}
	defer txn.Abort()

	pending := 0
	drainErr := p.drain(ctx, txn, &cursor, &pending)
	if pending > 0 {
		if cerr := p.checkpoint(cursor); drainErr == nil {
			drainErr = cerr
		}
	}
	return drainErr
}

// drain hands events (cursor, high-water mark] to the handler in order,
// flushing the cursor every BatchSize successes. The high-water mark is read
// from storage, not the bus, so missed notifications cannot strand events.
func (p *Processor[V]) drain(ctx context.Context, txn *lmdb.Txn, cursor *uint64, pending *int) error {
	hwm, err := lastSequence(txn, p.store.tables.events)
	if err != nil {
		return err
	}
	for *cursor < hwm {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		seq := *cursor + 1
		view, verr := p.reader.Get(txn, seq)
		if verr != nil {
			if errors.Is(verr, ErrNotFound) {
				// The log is dense; a hole inside the committed range is
				// table corruption.
				return ErrIntegrity
			}
			return verr
		}
		if herr := p.handler.Handle(ctx, view); herr != nil {
			return &HandlerError{Sequence: seq, Err: herr}
		}
		*cursor = seq
		*pending++
		if *pending >= p.opts.BatchSize {
			if err = p.checkpoint(*cursor); err != nil {
				return err
			}
			*pending = 0
		}
	}
	return nil
}

// checkpoint durably records the cursor. Values never regress: a persisted
// cursor greater than or equal to the new value is left in place.
func (p *Processor[V]) checkpoint(cursor uint64) error {
	err := p.store.update(func(txn *lmdb.Txn) error {
		key := cursorKey(p.consumerID)
		v, gerr := txn.Get(p.store.tables.cursors, key)
		if gerr == nil && len(v) == 8 && binary.BigEndian.Uint64(v) >= cursor {
			return nil
		}
		if gerr != nil && !lmdb.IsNotFound(gerr) {
			return pkgerrors.Wrap(gerr, "storage: read cursor")
		}
		return txn.Put(p.store.tables.cursors, key, sequenceKey(cursor), 0)
	})
	if err != nil {
		return pkgerrors.Wrap(err, "storage: write cursor")
	}
	p.log.Debug().Uint64("cursor", cursor).Msg("cursor flushed")
	return nil
}

func (p *Processor[V]) checkpointBestEffort(cursor uint64) {
	if err := p.checkpoint(cursor); err != nil {
		p.log.Warn().Err(err).Uint64("cursor", cursor).Msg("final cursor flush failed")
	}
}

// startPosition resolves the first drain's base: the saved cursor, or the
// configured override.
func (p *Processor[V]) startPosition() (uint64, error) {
	if p.opts.StartFrom > 0 {
		return p.opts.StartFrom - 1, nil
	}
	return p.Cursor()
}
