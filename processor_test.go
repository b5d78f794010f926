// Copyright (c) 2024-2025 Six After, Inc
//
// This source code is licensed under the Apache 2.0 License found in the
// LICENSE file in the root directory of this source tree.

package seqvault

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHandler collects the sequences it was handed, in order.
type recordingHandler struct {
	mu     sync.Mutex
	seqs   []uint64
	seen   chan uint64
	failAt uint64
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{seen: make(chan uint64, 128)}
}

func (h *recordingHandler) Handle(_ context.Context, view *EventView[testEventView]) error {
	if h.failAt != 0 && view.GlobalSequence() == h.failAt {
		return errors.New("handler refused the event")
	}
	h.mu.Lock()
	h.seqs = append(h.seqs, view.GlobalSequence())
	h.mu.Unlock()
	h.seen <- view.GlobalSequence()
	return nil
}

func (h *recordingHandler) sequences() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uint64(nil), h.seqs...)
}

func appendN(t *testing.T, w *Writer[testEvent], stream StreamID, from, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := w.Append(stream, uint32(from+i), testEvent{ID: uint64(from + i), Data: "evt"})
		require.NoError(t, err)
	}
}

// TestProcessorDrainDeliversInOrder verifies events are handed to the
// handler exactly in global order and the cursor lands on the high-water
// mark.
func TestProcessorDrainDeliversInOrder(t *testing.T) {
	t.Parallel()
	is := assert.New(t)

	s := newTestStore(t)
	w := NewWriter[testEvent](s, testCodec{})
	stream := mustStreamID(t, 0x40)
	appendN(t, w, stream, 1, 3)

	h := newRecordingHandler()
	p, err := NewProcessor[testEventView](s, testCodec{}, h, ConsumerID("projector"))
	require.NoError(t, err)

	is.NoError(p.Drain(context.Background()))
	is.Equal([]uint64{1, 2, 3}, h.sequences())

	cursor, err := p.Cursor()
	is.NoError(err)
	is.Equal(uint64(3), cursor)
}

// TestProcessorRestartResumes verifies a restarted consumer is not handed
// already-processed events but receives subsequent ones.
func TestProcessorRestartResumes(t *testing.T) {
	t.Parallel()
	is := assert.New(t)

	s := newTestStore(t)
	w := NewWriter[testEvent](s, testCodec{})
	stream := mustStreamID(t, 0x41)
	appendN(t, w, stream, 1, 3)

	id := ConsumerID("projector")
	h1 := newRecordingHandler()
	p1, err := NewProcessor[testEventView](s, testCodec{}, h1, id)
	require.NoError(t, err)
	is.NoError(p1.Drain(context.Background()))
	is.Equal([]uint64{1, 2, 3}, h1.sequences())

	// Restart with a fresh processor for the same consumer id.
	appendN(t, w, stream, 4, 2)
	h2 := newRecordingHandler()
	p2, err := NewProcessor[testEventView](s, testCodec{}, h2, id)
	require.NoError(t, err)
	is.NoError(p2.Drain(context.Background()))
	is.Equal([]uint64{4, 5}, h2.sequences(), "restart should resume at cursor+1")

	cursor, err := p2.Cursor()
	is.NoError(err)
	is.Equal(uint64(5), cursor)
}

// TestProcessorHandlerFailureHalts verifies a handler error stops draining
// without advancing the cursor past the failed event, and that batch-size
// flushes from before the failure are durable.
func TestProcessorHandlerFailureHalts(t *testing.T) {
	t.Parallel()
	is := assert.New(t)

	s := newTestStore(t)
	w := NewWriter[testEvent](s, testCodec{})
	appendN(t, w, mustStreamID(t, 0x42), 1, 5)

	h := newRecordingHandler()
	h.failAt = 5
	p, err := NewProcessor[testEventView](s, testCodec{}, h, ConsumerID("fragile"), WithBatchSize(2))
	require.NoError(t, err)

	err = p.Drain(context.Background())
	var herr *HandlerError
	is.True(errors.As(err, &herr), "expected HandlerError, got %v", err)
	is.Equal(uint64(5), herr.Sequence)
	is.Equal([]uint64{1, 2, 3, 4}, h.sequences())

	cursor, cerr := p.Cursor()
	is.NoError(cerr)
	is.Equal(uint64(4), cursor, "cursor should hold the last success")

	// A retry resumes at the failed event.
	h.failAt = 0
	is.NoError(p.Drain(context.Background()))
	cursor, cerr = p.Cursor()
	is.NoError(cerr)
	is.Equal(uint64(5), cursor)
}

// TestProcessorRunFollowsAppends runs the loop against live appends, then
// cancels and verifies the cursor was flushed.
func TestProcessorRunFollowsAppends(t *testing.T) {
	t.Parallel()
	is := assert.New(t)

	s := newTestStore(t)
	w := NewWriter[testEvent](s, testCodec{})
	stream := mustStreamID(t, 0x43)

	h := newRecordingHandler()
	p, err := NewProcessor[testEventView](s, testCodec{}, h, ConsumerID("live"),
		WithBatchTimeout(20*time.Millisecond),
		WithPollInterval(50*time.Millisecond),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx)
	}()

	appendN(t, w, stream, 1, 3)
	for i := 0; i < 3; i++ {
		select {
		case <-h.seen:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for handler deliveries")
		}
	}
	is.Equal([]uint64{1, 2, 3}, h.sequences())

	cancel()
	is.ErrorIs(<-done, context.Canceled)

	cursor, err := p.Cursor()
	is.NoError(err)
	is.Equal(uint64(3), cursor, "cancellation should flush the cursor")
}

// TestProcessorBatchTimeoutFlush verifies an undersized batch is flushed
// once it ages past the batch timeout.
func TestProcessorBatchTimeoutFlush(t *testing.T) {
	t.Parallel()
	is := assert.New(t)

	s := newTestStore(t)
	w := NewWriter[testEvent](s, testCodec{})
	appendN(t, w, mustStreamID(t, 0x44), 1, 1)

	h := newRecordingHandler()
	p, err := NewProcessor[testEventView](s, testCodec{}, h, ConsumerID("timeout"),
		WithBatchSize(100),
		WithBatchTimeout(20*time.Millisecond),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx)
	}()

	select {
	case <-h.seen:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	// Without reaching the batch size, the cursor must still become durable
	// within the timeout.
	is.Eventually(func() bool {
		cursor, cerr := p.Cursor()
		return cerr == nil && cursor == 1
	}, 5*time.Second, 10*time.Millisecond, "batch timeout should flush the cursor")

	cancel()
	is.ErrorIs(<-done, context.Canceled)
}

// TestProcessorStartFrom verifies the starting-position override.
func TestProcessorStartFrom(t *testing.T) {
	t.Parallel()
	is := assert.New(t)

	s := newTestStore(t)
	w := NewWriter[testEvent](s, testCodec{})
	appendN(t, w, mustStreamID(t, 0x45), 1, 3)

	h := newRecordingHandler()
	p, err := NewProcessor[testEventView](s, testCodec{}, h, ConsumerID("late"), WithStartFrom(3))
	require.NoError(t, err)

	is.NoError(p.Drain(context.Background()))
	is.Equal([]uint64{3}, h.sequences(), "only events from the override onward should be delivered")
}

// TestProcessorCursorMonotonic verifies checkpoints never regress.
func TestProcessorCursorMonotonic(t *testing.T) {
	t.Parallel()
	is := assert.New(t)

	s := newTestStore(t)
	h := newRecordingHandler()
	p, err := NewProcessor[testEventView](s, testCodec{}, h, ConsumerID("mono"))
	require.NoError(t, err)

	is.NoError(p.checkpoint(5))
	is.NoError(p.checkpoint(3))

	cursor, err := p.Cursor()
	is.NoError(err)
	is.Equal(uint64(5), cursor, "a lower checkpoint must not overwrite a higher one")
}

// TestProcessorValidation covers constructor and initial-state behavior.
func TestProcessorValidation(t *testing.T) {
	t.Parallel()
	is := assert.New(t)

	s := newTestStore(t)
	_, err := NewProcessor[testEventView](s, testCodec{}, nil, ConsumerID("nil"))
	is.ErrorIs(err, ErrNilHandler)

	h := newRecordingHandler()
	p, err := NewProcessor[testEventView](s, testCodec{}, h, ConsumerID("fresh"),
		WithBatchSize(-1),
		WithBatchTimeout(-time.Second),
		WithPollInterval(0),
	)
	is.NoError(err, "non-positive tunables fall back to defaults")
	is.Equal(DefaultBatchSize, p.opts.BatchSize)
	is.Equal(DefaultBatchTimeout, p.opts.BatchTimeout)
	is.Equal(DefaultPollInterval, p.opts.PollInterval)

	cursor, err := p.Cursor()
	is.NoError(err)
	is.Zero(cursor, "an unstarted consumer reports cursor 0")
}
