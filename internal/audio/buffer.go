package audio

import (
	"sync"
)

// RingBuffer keeps the most recent size bytes of audio. Writes never block or
// fail; once full, the oldest bytes are overwritten. It backs recognizer
// replay after a reconnect.
type RingBuffer struct {
	buffer []byte
	size   int
	write  int
	filled int
	mu     sync.RWMutex
}

// NewRingBuffer creates a new ring buffer with the specified size
func NewRingBuffer(size int) *RingBuffer {
	if size < 1 {
		size = 1
	}
	return &RingBuffer{
		buffer: make([]byte, size),
		size:   size,
	}
}

// Write appends data, overwriting the oldest bytes when full.
func (rb *RingBuffer) Write(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	// only the tail can survive
	if len(data) > rb.size {
		data = data[len(data)-rb.size:]
	}
	for _, b := range data {
		rb.buffer[rb.write] = b
		rb.write = (rb.write + 1) % rb.size
	}
	rb.filled += len(data)
	if rb.filled > rb.size {
		rb.filled = rb.size
	}
	return len(data)
}

// Snapshot returns the buffered bytes, oldest first, without consuming them.
func (rb *RingBuffer) Snapshot() []byte {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	out := make([]byte, rb.filled)
	start := (rb.write - rb.filled + rb.size) % rb.size
	for i := 0; i < rb.filled; i++ {
		out[i] = rb.buffer[(start+i)%rb.size]
	}
	return out
}

// Drain returns the buffered bytes, oldest first, and empties the buffer.
func (rb *RingBuffer) Drain() []byte {
	out := rb.Snapshot()
	rb.Clear()
	return out
}

// Available returns the number of buffered bytes
func (rb *RingBuffer) Available() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.filled
}

// Clear clears the buffer
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.write = 0
	rb.filled = 0
}

// IsFull returns true once size bytes have been buffered
func (rb *RingBuffer) IsFull() bool {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.filled == rb.size
}
