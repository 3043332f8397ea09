// Package ringbuf adapts github.com/smallnest/ringbuffer into the bounded
// power-of-two FIFO the original library's rs_rb used for every source's
// internal buffering (read buffers, write queues, separator line assembly).
//
// The original C ring buffer exposed get_read_ptr/get_write_ptr pairs so
// callers could operate on the buffer's backing array without copying.
// smallnest/ringbuffer's API is copy-based (Write/TryRead), so this package
// trades the zero-copy optimization for reuse of a maintained, tested
// dependency: callers read into a scratch slice and bulk-Write into the
// ring, the same pattern the teacher's ptyio read/write loops use.
package ringbuf

import (
	"errors"

	"github.com/smallnest/ringbuffer"
)

// RingBuffer is a fixed-capacity byte FIFO. It is not safe for concurrent
// use; callers running a single-threaded event loop don't need it to be.
type RingBuffer struct {
	rb   *ringbuffer.RingBuffer
	size int
}

// nextPow2 rounds n up to the next power of two, matching rs_rb's
// requirement that buffer capacity be a power of two (it used the extra
// headroom bit to distinguish full from empty without a separate counter).
func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// New creates a RingBuffer able to hold at least size bytes, rounding size
// up to the next power of two.
func New(size int) *RingBuffer {
	rounded := nextPow2(size)
	return &RingBuffer{rb: ringbuffer.New(rounded), size: rounded}
}

// Write enqueues as much of p as fits, returning the number of bytes
// actually buffered. Bytes already buffered are never evicted: when p does
// not fit, the excess is not written and a non-nil error is returned.
func (b *RingBuffer) Write(p []byte) (int, error) {
	return b.rb.Write(p)
}

// TryRead copies up to len(p) buffered bytes into p without blocking,
// returning 0, nil when the buffer is currently empty.
func (b *RingBuffer) TryRead(p []byte) (int, error) {
	n, err := b.rb.TryRead(p)
	if err != nil && errors.Is(err, ringbuffer.ErrIsEmpty) {
		return 0, nil
	}
	return n, err
}

// Length returns the number of unread bytes currently buffered.
func (b *RingBuffer) Length() int { return b.rb.Length() }

// Capacity returns the buffer's total capacity in bytes.
func (b *RingBuffer) Capacity() int { return b.size }

// Free returns the number of bytes that can be written before the buffer is
// full.
func (b *RingBuffer) Free() int { return b.rb.Free() }

// IsEmpty reports whether the buffer currently holds no bytes.
func (b *RingBuffer) IsEmpty() bool { return b.rb.IsEmpty() }

// IsFull reports whether the buffer is at capacity.
func (b *RingBuffer) IsFull() bool { return b.rb.IsFull() }

// Reset discards all buffered bytes.
func (b *RingBuffer) Reset() { b.rb.Reset() }
