// SPDX-License-Identifier: MIT

// Package ring provides a wait-free single-producer/single-consumer
// circular buffer of float32 audio samples with overrun/underrun
// accounting.
//
// Capacity is rounded up to the next power of two so index wrapping is
// a bitmask operation. Exactly one producer task and one consumer task
// may use a given Buffer for its lifetime; that invariant is enforced
// at the type level by handing callers a ProducerHandle or
// ConsumerHandle instead of the full Buffer.
package ring

import (
	"errors"
	"sync/atomic"
)

// ErrInvalidCapacity is returned by New when capacity is zero or
// exceeds the hard cap.
var ErrInvalidCapacity = errors.New("ring: invalid capacity")

// MaxCapacity is the hard cap on requested buffer capacity, chosen to
// keep a misconfigured caller from allocating an unreasonable amount
// of memory (at 22050 Hz this is roughly 13 minutes of mono audio).
const MaxCapacity = 1 << 24

// Stats is a point-in-time snapshot of buffer accounting counters.
type Stats struct {
	Overruns  uint64
	Underruns uint64
	PeakFill  uint64
	Capacity  uint64
}

// Buffer is a fixed-capacity, power-of-two-sized ring of float32
// samples. Use New to construct one, then Producer()/Consumer() to
// obtain the half-handles actually passed to the producer and consumer
// tasks.
type Buffer struct {
	mask uint64
	data []float32

	// writeIndex and readIndex are monotonically non-decreasing across
	// the buffer's lifetime. writeIndex is published with release
	// semantics by the producer after the sample bytes are stored;
	// readIndex is published with release semantics by the consumer
	// after it has consumed the samples. Using atomic.Uint64 gives a
	// single aligned load/store on every supported platform, so
	// neither index is ever observed torn.
	writeIndex atomic.Uint64
	readIndex  atomic.Uint64

	overruns  atomic.Uint64
	underruns atomic.Uint64
	peakFill  atomic.Uint64

	dropOldest bool
}

// Option configures a Buffer at construction.
type Option func(*Buffer)

// WithDropOldest enables drop-oldest overwrite semantics: a write that
// would overflow the buffer discards the oldest unread samples instead
// of refusing the newest ones. overruns is still incremented by the
// number of samples discarded. Off by default (non-blocking refuse
// mode, per spec).
func WithDropOldest(enabled bool) Option {
	return func(b *Buffer) { b.dropOldest = enabled }
}

// New creates a Buffer whose capacity is the next power of two >=
// requested (minimum 1). Returns ErrInvalidCapacity if requested is
// zero or exceeds MaxCapacity.
func New(requested int, opts ...Option) (*Buffer, error) {
	if requested <= 0 || requested > MaxCapacity {
		return nil, ErrInvalidCapacity
	}

	cap := nextPowerOfTwo(requested)

	b := &Buffer{
		mask: uint64(cap) - 1,
		data: make([]float32, cap),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Capacity returns the buffer's fixed capacity (already rounded up to
// a power of two).
func (b *Buffer) Capacity() int {
	return len(b.data)
}

// Available returns write_index - read_index: a lower-bound estimate
// of samples currently readable. May be stale by the time the caller
// acts on it.
func (b *Buffer) Available() int {
	w := b.writeIndex.Load()
	r := b.readIndex.Load()
	return int(w - r)
}

// FillFraction returns Available()/Capacity() in [0.0, 1.0].
func (b *Buffer) FillFraction() float64 {
	return float64(b.Available()) / float64(b.Capacity())
}

// Stats returns the current accounting counters.
func (b *Buffer) Stats() Stats {
	return Stats{
		Overruns:  b.overruns.Load(),
		Underruns: b.underruns.Load(),
		PeakFill:  b.peakFill.Load(),
		Capacity:  uint64(b.Capacity()),
	}
}

// write stores samples, returning the number actually written. Never
// blocks, never allocates, never yields. In refuse mode (default), a
// write that would overflow the buffer returns a short count and
// increments overruns by the number of samples refused. In drop-oldest
// mode, the reader's unread prefix is discarded to make room and
// overruns is incremented by the number of samples dropped.
func (b *Buffer) write(samples []float32) int {
	if len(samples) == 0 {
		return 0
	}

	w := b.writeIndex.Load()
	r := b.readIndex.Load()
	capacity := uint64(b.Capacity())
	free := capacity - (w - r)

	n := uint64(len(samples))
	var written, refused uint64

	switch {
	case n <= free:
		// Fits entirely: write all of it, store at the front of samples.
		written = n
	case b.dropOldest:
		// Make room by advancing the read index; the consumer will
		// observe those samples as gone. At most `capacity` newest
		// samples can ever be retained.
		written = n
		if written > capacity {
			refused = written - capacity
			written = capacity
		}
		newFree := capacity - written
		if newFree < free {
			b.readIndex.Store(r + (free - newFree))
		}
	default:
		// Refuse mode: write only the leading `free` samples, refuse
		// the trailing remainder.
		written = free
		refused = n - free
	}

	// The samples actually stored are always the leading `written` of
	// the input slice: in drop-oldest overflow mode the trailing
	// `refused` samples never existed in the buffer in the first
	// place (they exceed total capacity), and in refuse mode the
	// trailing remainder is what gets refused.
	srcStart := uint64(0)
	if b.dropOldest && refused > 0 {
		// Only the newest `capacity` samples survive; skip the stale
		// leading portion of the input.
		srcStart = refused
	}
	for i := uint64(0); i < written; i++ {
		idx := (w + i) & b.mask
		b.data[idx] = samples[srcStart+i]
	}

	b.writeIndex.Store(w + written) // release publish

	if refused > 0 {
		b.overruns.Add(refused)
	}

	fill := b.Available()
	for {
		cur := b.peakFill.Load()
		if uint64(fill) <= cur {
			break
		}
		if b.peakFill.CompareAndSwap(cur, uint64(fill)) {
			break
		}
	}

	return int(written)
}

// read copies up to n samples into dst (which must have length >= n)
// starting at the current read index, returning the number of
// samples copied and whether the full request was satisfied. If fewer
// than n samples are available, no samples are copied, ok is false,
// and underruns is incremented by n.
func (b *Buffer) read(dst []float32, n int) (copied int, ok bool) {
	if n <= 0 {
		return 0, true
	}

	w := b.writeIndex.Load()
	r := b.readIndex.Load()
	available := w - r

	if available < uint64(n) {
		b.underruns.Add(uint64(n))
		return 0, false
	}

	for i := 0; i < n; i++ {
		idx := (r + uint64(i)) & b.mask
		dst[i] = b.data[idx]
	}

	b.readIndex.Store(r + uint64(n)) // release publish
	return n, true
}

// ProducerHandle exposes only the write-side operations of a Buffer.
type ProducerHandle struct{ b *Buffer }

// Write stores samples, returning the number actually written. See
// Buffer.write for the exact back-pressure semantics.
func (p ProducerHandle) Write(samples []float32) int { return p.b.write(samples) }

// Available reports the producer-observed backlog.
func (p ProducerHandle) Available() int { return p.b.Available() }

// Stats returns the shared accounting counters.
func (p ProducerHandle) Stats() Stats { return p.b.Stats() }

// ConsumerHandle exposes only the read-side operations of a Buffer.
type ConsumerHandle struct{ b *Buffer }

// Read attempts to fill dst[:n] with the next n samples in FIFO order.
// Returns false (no samples copied) if fewer than n are available.
func (c ConsumerHandle) Read(dst []float32, n int) (int, bool) { return c.b.read(dst, n) }

// Available reports the consumer-observed backlog (a lower bound).
func (c ConsumerHandle) Available() int { return c.b.Available() }

// FillFraction reports Available()/Capacity().
func (c ConsumerHandle) FillFraction() float64 { return c.b.FillFraction() }

// Stats returns the shared accounting counters.
func (c ConsumerHandle) Stats() Stats { return c.b.Stats() }

// Producer returns the write-only handle for this buffer's single
// producer task.
func (b *Buffer) Producer() ProducerHandle { return ProducerHandle{b: b} }

// Consumer returns the read-only handle for this buffer's single
// consumer task.
func (b *Buffer) Consumer() ConsumerHandle { return ConsumerHandle{b: b} }
