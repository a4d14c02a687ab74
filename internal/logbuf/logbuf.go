// Package logbuf keeps the most recent console lines of the game server.
package logbuf

import "sync"

// Buffer is a bounded FIFO of lines. When full, appending drops the oldest
// line. It is safe for concurrent use.
type Buffer struct {
	mu    sync.Mutex
	lines []string
	head  int // index of the oldest line
	size  int
}

// New returns a buffer holding at most capacity lines. Capacities below one
// are raised to one.
func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{lines: make([]string, capacity)}
}

func (b *Buffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.append(line)
}

func (b *Buffer) append(line string) {
	capacity := len(b.lines)
	if b.size < capacity {
		b.lines[(b.head+b.size)%capacity] = line
		b.size++
		return
	}
	b.lines[b.head] = line
	b.head = (b.head + 1) % capacity
}

// Snapshot returns a copy of the retained lines, oldest first.
func (b *Buffer) Snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshot()
}

func (b *Buffer) snapshot() []string {
	out := make([]string, b.size)
	for i := range b.size {
		out[i] = b.lines[(b.head+i)%len(b.lines)]
	}
	return out
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *Buffer) Cap() int {
	return len(b.lines)
}
