package history

import (
	"sync"

	"github.com/aispark/pdm-engine/internal/telemetry"
)

// Buffer is a fixed-capacity, insertion-ordered ring of readings for one
// machine. Oldest entries are evicted once capacity is exceeded. Insertion
// order is the only meaningful order: late-arriving readings are appended,
// never re-sorted.
type Buffer struct {
	mu   sync.Mutex
	data []telemetry.Reading
	head int // index of the oldest entry
	size int
}

// NewBuffer creates a buffer holding at most capacity readings.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer{data: make([]telemetry.Reading, capacity)}
}

// Append adds a reading, evicting the oldest when full. O(1).
func (b *Buffer) Append(r telemetry.Reading) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size < len(b.data) {
		b.data[(b.head+b.size)%len(b.data)] = r
		b.size++
		return
	}
	b.data[b.head] = r
	b.head = (b.head + 1) % len(b.data)
}

// Len returns the current number of readings.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Snapshot returns a copy of all readings in insertion order. The copy is
// consistent: it is either entirely pre- or post- any concurrent append.
func (b *Buffer) Snapshot() []telemetry.Reading {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]telemetry.Reading, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.data[(b.head+i)%len(b.data)]
	}
	return out
}

// Last returns a copy of the most recent k readings in insertion order.
// O(k) regardless of capacity.
func (b *Buffer) Last(k int) []telemetry.Reading {
	b.mu.Lock()
	defer b.mu.Unlock()
	if k > b.size {
		k = b.size
	}
	out := make([]telemetry.Reading, k)
	for i := 0; i < k; i++ {
		out[i] = b.data[(b.head+b.size-k+i)%len(b.data)]
	}
	return out
}
