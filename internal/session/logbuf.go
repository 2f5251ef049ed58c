package session

import (
	"sync"
	"unicode/utf8"
)

// DefaultLogCapacity is the number of bytes a LogBuffer keeps by default.
const DefaultLogCapacity = 50_000

// LogBuffer is a bounded, append-only text log. Once full, the oldest
// content is discarded first. It is safe for concurrent use.
type LogBuffer struct {
	mu       sync.Mutex
	buf      []byte
	capacity int
}

// NewLogBuffer returns a LogBuffer holding at most capacity bytes. A
// non-positive capacity means DefaultLogCapacity.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &LogBuffer{capacity: capacity}
}

// Write appends p, trimming from the front to stay within capacity. The cut
// is moved forward to a rune boundary, so the buffer may hold slightly less
// than capacity after a trim.
func (b *LogBuffer) Write(p []byte) (int, error) {
	n := len(p)

	b.mu.Lock()
	defer b.mu.Unlock()

	trimmed := false
	if len(p) >= b.capacity {
		p = p[len(p)-b.capacity:]
		b.buf = b.buf[:0]
		trimmed = true
	}

	if over := len(b.buf) + len(p) - b.capacity; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
		trimmed = true
	}
	b.buf = append(b.buf, p...)

	if trimmed {
		// Drop a partial leading rune left by the cut.
		i := 0
		for i < len(b.buf) && i < utf8.UTFMax && !utf8.RuneStart(b.buf[i]) {
			i++
		}
		b.buf = append(b.buf[:0], b.buf[i:]...)
	}

	return n, nil
}

// String returns the buffered text.
func (b *LogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// Len returns the number of buffered bytes.
func (b *LogBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Cap returns the buffer's capacity in bytes.
func (b *LogBuffer) Cap() int {
	return b.capacity
}

// Reset discards all buffered text.
func (b *LogBuffer) Reset() {
	b.mu.Lock()
	b.buf = b.buf[:0]
	b.mu.Unlock()
}
