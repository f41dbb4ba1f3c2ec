// SPDX-License-Identifier: MIT

// Package audioutil converts PCM16LE byte streams into normalized
// float32 samples and computes the windowed peak/RMS dBFS measurements
// SourceAdapter uses for silence detection.
package audioutil

import (
	"encoding/binary"
	"math"
	"sync"
)

// DecodePCM16LE converts a buffer of signed 16-bit little-endian PCM
// bytes into normalized float32 samples in [-1.0, 1.0]. len(buf) must
// be even; a trailing odd byte is ignored (it belongs to a sample that
// straddles the read boundary and will arrive whole on the next read).
func DecodePCM16LE(buf []byte) []float32 {
	n := len(buf) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(buf[i*2 : i*2+2]))
		out[i] = float32(v) / 32768.0
	}
	return out
}

// NegativeInfinityDB represents a silent (zero-amplitude) window on
// the dBFS scale, since log10(0) is undefined.
const NegativeInfinityDB = math.MinInt32

// PeakDB returns the peak amplitude of samples in dBFS (0 dBFS = full
// scale). Returns NegativeInfinityDB for an empty or all-zero window.
func PeakDB(samples []float32) float64 {
	var peak float32
	for _, s := range samples {
		a := s
		if a < 0 {
			a = -a
		}
		if a > peak {
			peak = a
		}
	}
	if peak == 0 {
		return NegativeInfinityDB
	}
	return 20 * math.Log10(float64(peak))
}

// RMSDB returns the root-mean-square amplitude of samples in dBFS.
// Returns NegativeInfinityDB for an empty or all-zero window.
func RMSDB(samples []float32) float64 {
	if len(samples) == 0 {
		return NegativeInfinityDB
	}
	var sumSq float64
	for _, s := range samples {
		sumSq += float64(s) * float64(s)
	}
	rms := math.Sqrt(sumSq / float64(len(samples)))
	if rms == 0 {
		return NegativeInfinityDB
	}
	return 20 * math.Log10(rms)
}

// Window accumulates samples over a rolling time span (nominally ~1s)
// so SourceAdapter can compute peak/RMS dBFS over "the last second of
// audio" per spec, without retaining unbounded history.
//
// Add is called from the producer task; PeakDB/RMSDB/Snapshot are
// called from whatever goroutine calls Adapter.Metrics (manager and
// health-endpoint goroutines). mu guards the shared buffer/pos/full
// state across that producer/reader split.
type Window struct {
	mu       sync.Mutex
	capacity int
	buf      []float32
	pos      int
	full     bool
}

// NewWindow creates a Window sized to hold sampleRate samples (i.e.
// one second of audio at sampleRate Hz).
func NewWindow(sampleRate int) *Window {
	if sampleRate <= 0 {
		sampleRate = 1
	}
	return &Window{
		capacity: sampleRate,
		buf:      make([]float32, sampleRate),
	}
}

// Add appends samples to the window, overwriting the oldest entries
// once the window is full (a simple mutex-guarded ring, private to this
// window — unrelated to the lock-free SPSC ring.Buffer).
func (w *Window) Add(samples []float32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range samples {
		w.buf[w.pos] = s
		w.pos++
		if w.pos == w.capacity {
			w.pos = 0
			w.full = true
		}
	}
}

// Snapshot returns the currently retained samples in chronological
// order (oldest first).
func (w *Window) Snapshot() []float32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.full {
		out := make([]float32, w.pos)
		copy(out, w.buf[:w.pos])
		return out
	}
	out := make([]float32, w.capacity)
	copy(out, w.buf[w.pos:])
	copy(out[w.capacity-w.pos:], w.buf[:w.pos])
	return out
}

// PeakDB returns the peak dBFS of the window's current contents.
func (w *Window) PeakDB() float64 { return PeakDB(w.Snapshot()) }

// RMSDB returns the RMS dBFS of the window's current contents.
func (w *Window) RMSDB() float64 { return RMSDB(w.Snapshot()) }
