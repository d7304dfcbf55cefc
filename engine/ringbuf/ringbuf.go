// Package ringbuf implements a lock-free single-producer/single-consumer
// float32 queue, the only data path between a track's decoder thread and
// the audio callback.
//
// Correctness holds for exactly one writer and one reader. Both Write and
// Read are wait-free and allocation-free; they are safe to call from the
// audio callback. Capacity is rounded up to a power of two so index
// wraparound is a mask instead of a modulo.
package ringbuf

import "sync/atomic"

// Buffer is a fixed-capacity SPSC ring of float32 samples.
type Buffer struct {
	data []float32
	mask uint64

	// writeIdx is published by the single writer with a Store after the
	// corresponding samples have been copied into data, so a reader that
	// observes the new index also observes the samples. readIdx is
	// published the same way by the single reader.
	writeIdx atomic.Uint64
	readIdx  atomic.Uint64
}

// New creates a Buffer whose capacity is the next power of two >= capacity.
// Callers should choose capacity >= 8x the expected callback buffer size.
func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	n := nextPowerOfTwo(uint64(capacity))
	return &Buffer{
		data: make([]float32, n),
		mask: n - 1,
	}
}

func nextPowerOfTwo(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	n++
	return n
}

// Capacity returns the buffer's power-of-two capacity.
func (b *Buffer) Capacity() int {
	return int(b.mask + 1)
}

// AvailableRead returns the number of frames currently readable. Safe from
// any thread; every caller gets an instantaneous (possibly
// stale-by-the-time-you-act) snapshot of both cursors.
func (b *Buffer) AvailableRead() int {
	w := b.writeIdx.Load()
	r := b.readIdx.Load()
	return int(w - r)
}

// AvailableWrite returns the number of frames that can currently be
// written without overtaking the reader.
func (b *Buffer) AvailableWrite() int {
	return b.Capacity() - b.AvailableRead()
}

// Write copies as many samples from src as fit without overwriting unread
// data, publishes the new write index, and returns the count accepted.
// Returns 0 when full. Must only be called by the single producer thread.
func (b *Buffer) Write(src []float32) (framesAccepted int) {
	if len(src) == 0 {
		return 0
	}
	w := b.writeIdx.Load()
	r := b.readIdx.Load()
	free := b.Capacity() - int(w-r)
	if free <= 0 {
		return 0
	}
	n := len(src)
	if n > free {
		n = free
	}
	cap64 := b.mask + 1
	start := w & b.mask
	if start+uint64(n) <= cap64 {
		copy(b.data[start:start+uint64(n)], src[:n])
	} else {
		first := cap64 - start
		copy(b.data[start:], src[:first])
		copy(b.data[:uint64(n)-first], src[first:n])
	}
	// Publish: every sample above is visible to a reader that observes
	// this new index.
	b.writeIdx.Store(w + uint64(n))
	return n
}

// Read copies as many samples as are available into dst, publishes the new
// read index, and returns the count produced. Partial reads pad nothing;
// the caller decides underrun policy. Returns 0 when empty. Must only be
// called by the single consumer thread.
func (b *Buffer) Read(dst []float32) (framesProduced int) {
	if len(dst) == 0 {
		return 0
	}
	r := b.readIdx.Load()
	w := b.writeIdx.Load()
	avail := int(w - r)
	if avail <= 0 {
		return 0
	}
	n := len(dst)
	if n > avail {
		n = avail
	}
	cap64 := b.mask + 1
	start := r & b.mask
	if start+uint64(n) <= cap64 {
		copy(dst[:n], b.data[start:start+uint64(n)])
	} else {
		first := cap64 - start
		copy(dst[:first], b.data[start:])
		copy(dst[first:n], b.data[:uint64(n)-first])
	}
	b.readIdx.Store(r + uint64(n))
	return n
}

// Discard drops up to n unread frames without copying them out, used by
// the track's drift correction to skip stale samples. Must only be
// called by the single consumer thread.
func (b *Buffer) Discard(n int) (framesDiscarded int) {
	if n <= 0 {
		return 0
	}
	r := b.readIdx.Load()
	w := b.writeIdx.Load()
	avail := int(w - r)
	if avail <= 0 {
		return 0
	}
	if n > avail {
		n = avail
	}
	b.readIdx.Store(r + uint64(n))
	return n
}

// Clear resets both cursors to zero. Only valid when there is no
// concurrent reader or writer; callers use this during a track's
// stop/seek transition, after the decoder thread has been quiesced.
func (b *Buffer) Clear() {
	b.writeIdx.Store(0)
	b.readIdx.Store(0)
}
