package csvlog

import "fmt"

// Buffer collects rows for one stream between flushes. It never holds more
// than its capacity; rows past the limit are dropped and counted.
type Buffer struct {
	stream  *Stream
	rows    [][]string
	limit   int
	dropped int
}

// NewBuffer binds a buffer of at most limit rows to stream.
func NewBuffer(stream *Stream, limit int) *Buffer {
	if limit <= 0 {
		limit = 1
	}
	return &Buffer{
		stream: stream,
		rows:   make([][]string, 0, limit),
		limit:  limit,
	}
}

// Stream returns the destination stream.
func (b *Buffer) Stream() *Stream { return b.stream }

// Len reports the number of pending rows.
func (b *Buffer) Len() int { return len(b.rows) }

// Add queues a row. It returns false when the buffer is full.
func (b *Buffer) Add(row []string) bool {
	if len(b.rows) >= b.limit {
		b.dropped++
		return false
	}
	b.rows = append(b.rows, row)
	return true
}

// Flush writes pending rows to the stream and clears the buffer, even when the
// write fails.
func (b *Buffer) Flush() error {
	defer func() {
		b.rows = b.rows[:0]
	}()
	for _, row := range b.rows {
		if err := b.stream.Write(row); err != nil {
			return fmt.Errorf("flush %s: %w", b.stream.Name(), err)
		}
	}
	if err := b.stream.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", b.stream.Name(), err)
	}
	if b.dropped > 0 {
		dropped := b.dropped
		b.dropped = 0
		return fmt.Errorf("flush %s: %d rows dropped on full buffer", b.stream.Name(), dropped)
	}
	return nil
}

// Discard clears pending rows without writing them and reports how many were
// dropped.
func (b *Buffer) Discard() int {
	n := len(b.rows)
	b.rows = b.rows[:0]
	b.dropped = 0
	return n
}
