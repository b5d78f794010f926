// Copyright (c) 2024-2025 Six After, Inc
//
// This source code is licensed under the Apache 2.0 License found in the
// LICENSE file in the root directory of this source tree.

package seqvault

import (
	"context"
	"sync"
	"time"
)

// sequenceBus is a single-slot overwrite channel carrying the latest
// committed global sequence. Publication closes the current notify channel,
// waking every subscriber without per-subscriber goroutines or queues;
// intermediate values coalesce. The bus is a liveness signal, not a durable
// queue: subscribers re-read persisted state to recover anything missed.
type sequenceBus struct {
	mu     sync.Mutex
	seq    uint64
	notify chan struct{}
}

func newSequenceBus(seq uint64) *sequenceBus {
	return &sequenceBus{
		seq:    seq,
		notify: make(chan struct{}),
	}
}

// Publish records a newly committed sequence and wakes subscribers. Stale or
// duplicate publications are ignored, so observed values are monotonic.
func (b *sequenceBus) Publish(seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if seq <= b.seq {
		return
	}
	b.seq = seq
	close(b.notify)
	b.notify = make(chan struct{})
}

// Last returns the latest published sequence.
func (b *sequenceBus) Last() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// wait returns the current sequence together with the channel that closes on
// the next publication.
func (b *sequenceBus) wait() (uint64, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq, b.notify
}

// Subscription observes monotonic progress of the committed high-water mark.
// It is not safe for concurrent use; create one subscription per consumer.
type Subscription struct {
	bus  *sequenceBus
	last uint64
}

// Last returns the highest sequence this subscription has observed.
func (s *Subscription) Last() uint64 {
	return s.last
}

// Next blocks until the published sequence exceeds the last observed value,
// then returns it. Intermediate publications coalesce.
func (s *Subscription) Next(ctx context.Context) (uint64, error) {
	for {
		seq, ch := s.bus.wait()
		if seq > s.last {
			s.last = seq
			return seq, nil
		}
		select {
		case <-ctx.Done():
			return s.last, ctx.Err()
		case <-ch:
		}
	}
}

// NextDeadline waits like Next but returns after timeout with the latest
// (possibly unchanged) observation. Callers use the timeout path to re-check
// persisted state against their own cursor, covering dropped notifications.
func (s *Subscription) NextDeadline(ctx context.Context, timeout time.Duration) (uint64, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		seq, ch := s.bus.wait()
		if seq > s.last {
			s.last = seq
			return seq, nil
		}
		select {
		case <-ctx.Done():
			return s.last, ctx.Err()
		case <-t.C:
			return s.last, nil
		case <-ch:
		}
	}
}
