package mux

import "sync"

// tailBuffer is a thread-safe ring buffer that keeps the most recent
// bytes written to it. The relay feeds it terminal output so the last
// screenful of a session survives for history persistence.
type tailBuffer struct {
	mu     sync.Mutex
	data   []byte
	head   int
	length int
}

func newTailBuffer(size int) *tailBuffer {
	return &tailBuffer{data: make([]byte, size)}
}

// Write appends bytes, discarding the oldest when full.
func (b *tailBuffer) Write(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := len(b.data)
	if len(p) >= size {
		// Only the tail of this write can survive.
		copy(b.data, p[len(p)-size:])
		b.head = 0
		b.length = size
		return
	}

	tail := (b.head + b.length) % size
	for _, c := range p {
		b.data[tail] = c
		tail = (tail + 1) % size
		if b.length < size {
			b.length++
		} else {
			b.head = (b.head + 1) % size
		}
	}
}

// String returns the buffered bytes in write order without consuming
// them.
func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.length == 0 {
		return ""
	}
	out := make([]byte, b.length)
	n := copy(out, b.data[b.head:min(b.head+b.length, len(b.data))])
	copy(out[n:], b.data[:b.length-n])
	return string(out)
}
