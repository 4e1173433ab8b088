// Package ring implements the bounded single-producer/single-consumer
// sample buffer that connects the real-time capture callback to the
// segmenter.
//
// The producer is the platform audio callback and must never block, so the
// buffer uses no locks on the hot path: a fixed backing array plus two
// monotonically increasing atomic cursors. Sample data is written before
// the write cursor is published, so a reader that observes the cursor
// advance also observes the samples (release/acquire publication; Go's
// sync/atomic provides sequentially consistent ordering, which is
// stronger).
//
// When the buffer is full, new writes overwrite the oldest unread samples
// and a drop counter is incremented by exactly the number of samples
// displaced. The supervisor watches that counter to escalate sustained
// overruns, which indicate the consumer cannot keep up with the capture
// rate.
package ring

import (
	"fmt"
	"sync/atomic"
)

// WriteOutcome reports what happened to a single Write call.
type WriteOutcome struct {
	// Accepted is the number of samples stored in the buffer.
	Accepted int

	// Dropped is the number of samples displaced to make room: oldest
	// unread samples overwritten, plus any leading input samples discarded
	// when a single write exceeds the buffer capacity outright.
	Dropped int
}

// Buffer is a fixed-capacity SPSC ring buffer of 16-bit PCM samples.
//
// Exactly one goroutine may call Write and exactly one may call
// ReadAvailable. Capacity, Used, and Dropped are safe from any goroutine.
// Reset must only be called while the producer is quiescent (session end or
// device-recovery restart).
type Buffer struct {
	buf []int16
	cap uint64

	// writeCur and readCur count total samples ever written/consumed.
	// writeCur is advanced only by the producer; readCur is advanced by
	// the consumer, and by the producer when it drops oldest samples to
	// make room (CAS-mediated so the two never race silently).
	writeCur atomic.Uint64
	readCur  atomic.Uint64

	dropped atomic.Uint64
}

// New creates a buffer holding capacity samples. Capacity must be positive.
func New(capacity int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ring: capacity must be positive, got %d", capacity)
	}
	return &Buffer{
		buf: make([]int16, capacity),
		cap: uint64(capacity),
	}, nil
}

// Write appends samples, overwriting the oldest unread samples when full.
// Producer-only. It never blocks and never allocates.
func (b *Buffer) Write(samples []int16) WriteOutcome {
	n := uint64(len(samples))
	if n == 0 {
		return WriteOutcome{}
	}

	var out WriteOutcome

	// A single write larger than the whole buffer keeps only the freshest
	// capacity samples; the leading remainder was lost before it ever hit
	// the buffer.
	if n > b.cap {
		lead := n - b.cap
		b.dropped.Add(lead)
		out.Dropped += int(lead)
		samples = samples[lead:]
		n = b.cap
	}

	w := b.writeCur.Load()

	// Make room by advancing the read cursor past the oldest samples.
	// CAS because the consumer may be advancing it concurrently.
	for {
		r := b.readCur.Load()
		free := b.cap - (w - r)
		if free >= n {
			break
		}
		adv := n - free
		if b.readCur.CompareAndSwap(r, r+adv) {
			b.dropped.Add(adv)
			out.Dropped += int(adv)
			break
		}
	}

	// Copy in, wrapping at the array boundary, before publishing the
	// cursor advance.
	start := w % b.cap
	first := copy(b.buf[start:], samples)
	if first < len(samples) {
		copy(b.buf, samples[first:])
	}
	b.writeCur.Store(w + n)

	out.Accepted = int(n)
	return out
}

// ReadAvailable copies up to len(dst) unread samples into dst and advances
// the read cursor. Consumer-only. Returns the number of samples copied,
// which is zero when the buffer is empty.
func (b *Buffer) ReadAvailable(dst []int16) int {
	if len(dst) == 0 {
		return 0
	}
	for {
		r := b.readCur.Load()
		w := b.writeCur.Load()
		avail := w - r
		if avail == 0 {
			return 0
		}
		n := uint64(len(dst))
		if avail < n {
			n = avail
		}

		start := r % b.cap
		first := copy(dst[:n], b.buf[start:])
		if uint64(first) < n {
			copy(dst[first:n], b.buf)
		}

		// The producer may have overwritten the range we just copied; its
		// CAS on readCur tells us. Discard and retry with fresh cursors.
		if b.readCur.CompareAndSwap(r, r+n) {
			return int(n)
		}
	}
}

// Capacity returns the fixed buffer capacity in samples.
func (b *Buffer) Capacity() int { return int(b.cap) }

// Used returns the number of unread samples. Always <= Capacity().
func (b *Buffer) Used() int {
	// Load write first: readCur only grows, so a stale writeCur can only
	// under-report, never exceed capacity.
	w := b.writeCur.Load()
	r := b.readCur.Load()
	if r >= w {
		return 0
	}
	return int(w - r)
}

// Dropped returns the cumulative count of samples lost to overwrites.
func (b *Buffer) Dropped() uint64 { return b.dropped.Load() }

// Reset zeroes both cursors and wipes the backing array. Unread samples are
// discarded. Only valid while the producer is stopped.
func (b *Buffer) Reset() {
	for i := range b.buf {
		b.buf[i] = 0
	}
	b.readCur.Store(0)
	b.writeCur.Store(0)
	b.dropped.Store(0)
}
