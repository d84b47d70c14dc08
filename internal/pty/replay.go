package pty

import "sync"

const (
	// DefaultReplayCapacity is the most output a session retains for catch-up.
	DefaultReplayCapacity = 100_000

	// DefaultReplayTrimTo is what remains after an append overflows the capacity.
	DefaultReplayTrimTo = 50_000
)

// ReplayBuffer keeps the most recent output of a session so a viewer that
// attaches late can be brought up to date.
//
// Unlike a fixed ring it trims in steps: appends accumulate until the
// capacity would be exceeded, then the oldest bytes are dropped so only
// trimTo bytes remain. Its content is always a contiguous suffix of
// everything appended since creation (or the last Reset).
type ReplayBuffer struct {
	mu       sync.RWMutex
	buf      []byte
	capacity int
	trimTo   int

	// total counts every byte ever appended, including trimmed ones.
	total int64
}

// NewReplayBuffer creates a buffer. Non-positive capacity selects
// DefaultReplayCapacity; trimTo outside (0, capacity] selects capacity/2.
func NewReplayBuffer(capacity, trimTo int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = DefaultReplayCapacity
		if trimTo <= 0 {
			trimTo = DefaultReplayTrimTo
		}
	}
	if trimTo <= 0 || trimTo > capacity {
		trimTo = capacity / 2
	}
	return &ReplayBuffer{
		capacity: capacity,
		trimTo:   trimTo,
	}
}

// Append adds p to the end of the buffer, trimming from the front if the
// result would exceed the capacity.
func (b *ReplayBuffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.total += int64(len(p))

	if len(b.buf)+len(p) <= b.capacity {
		b.buf = append(b.buf, p...)
		return
	}

	// Overflow. The newest trimTo bytes survive.
	if len(p) >= b.trimTo {
		b.buf = append(b.buf[:0], p[len(p)-b.trimTo:]...)
		return
	}
	keep := b.trimTo - len(p)
	n := copy(b.buf, b.buf[len(b.buf)-keep:])
	b.buf = append(b.buf[:n], p...)
}

// Snapshot returns a copy of the current content, oldest byte first.
func (b *ReplayBuffer) Snapshot() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out
}

// Len returns the number of bytes currently held.
func (b *ReplayBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.buf)
}

// Total returns the number of bytes appended over the buffer's lifetime.
func (b *ReplayBuffer) Total() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.total
}

// Capacity returns the maximum number of bytes the buffer holds.
func (b *ReplayBuffer) Capacity() int {
	return b.capacity
}

// TrimTo returns the size the buffer shrinks to on overflow.
func (b *ReplayBuffer) TrimTo() int {
	return b.trimTo
}

// Reset drops all content and releases the backing array.
func (b *ReplayBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = nil
	b.total = 0
}
