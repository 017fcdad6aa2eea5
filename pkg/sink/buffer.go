package sink

import (
	"sync"
)

// Batch is the unit handed to the store in one append call
type Batch struct {
	Rows [][]string
	// Cursor is the newest feed cursor covered by Rows
	Cursor string
	// Attempts counts failed dispatches of these rows
	Attempts int
}

// Buffer holds formatted rows between flushes. Rows keep enqueue order.
type Buffer struct {
	mu       sync.Mutex
	rows     [][]string
	cursor   string
	attempts int
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

// Add appends rows and advances the cursor. It returns the buffered row count.
func (b *Buffer) Add(rows [][]string, cursor string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rows = append(b.rows, rows...)
	if cursor != "" {
		b.cursor = cursor
	}
	return len(b.rows)
}

// Take swaps the buffered rows out and returns them as a batch
func (b *Buffer) Take() Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	batch := Batch{Rows: b.rows, Cursor: b.cursor, Attempts: b.attempts}
	b.rows = nil
	b.attempts = 0
	return batch
}

// Requeue puts a failed batch back ahead of anything enqueued since it was
// taken. The buffer cursor only moves forward.
func (b *Buffer) Requeue(batch Batch) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows := make([][]string, 0, len(batch.Rows)+len(b.rows))
	rows = append(rows, batch.Rows...)
	rows = append(rows, b.rows...)
	b.rows = rows
	b.attempts = batch.Attempts
	if b.cursor == "" {
		b.cursor = batch.Cursor
	}
}

// Len returns the buffered row count
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rows)
}
