package chain

import "context"

// DefaultBatchSize bounds how many events a cursor holds in memory at once.
const DefaultBatchSize = 100

// Cursor iterates a stream in sequence order, fetching lazily in bounded
// batches. Usage follows the database/sql rows idiom:
//
//	cur := ch.Read("core", chain.From(1))
//	for cur.Next(ctx) {
//		handle(cur.Event())
//	}
//	if err := cur.Err(); err != nil { ... }
//
// Position reports the next unread sequence, so iteration can be resumed
// later, or by another process, with From(cur.Position()).
type Cursor struct {
	store  Store
	stream string
	next   uint64
	batch  int

	buf     []*Event
	idx     int
	current *Event
	err     error
	done    bool
}

// ReadOption configures a Cursor.
type ReadOption func(*Cursor)

// From starts reading at the given sequence number. Sequences begin at 1.
func From(seq uint64) ReadOption {
	return func(c *Cursor) {
		if seq > 0 {
			c.next = seq
		}
	}
}

// WithBatchSize bounds the number of events fetched per store round trip.
func WithBatchSize(n int) ReadOption {
	return func(c *Cursor) {
		if n > 0 {
			c.batch = n
		}
	}
}

// Read opens a cursor over stream. The store is not touched until the first
// Next call.
func (c *Chain) Read(stream string, opts ...ReadOption) *Cursor {
	cur := &Cursor{
		store:  c.store,
		stream: stream,
		next:   1,
		batch:  DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(cur)
	}
	return cur
}

// Next advances to the next event, fetching a new batch when the buffer is
// exhausted. It returns false at the end of the stream or on error; Err
// distinguishes the two.
func (cur *Cursor) Next(ctx context.Context) bool {
	if cur.err != nil || cur.done {
		return false
	}

	if cur.idx >= len(cur.buf) {
		events, err := cur.store.Events(ctx, cur.stream, cur.next, cur.batch)
		if err != nil {
			cur.err = err
			cur.current = nil
			return false
		}
		if len(events) == 0 {
			cur.done = true
			cur.current = nil
			return false
		}
		cur.buf = events
		cur.idx = 0
	}

	cur.current = cur.buf[cur.idx]
	cur.idx++
	cur.next = cur.current.Sequence + 1
	return true
}

// Event returns the event the last successful Next moved to.
func (cur *Cursor) Event() *Event { return cur.current }

// Err returns the first error the cursor hit, if any.
func (cur *Cursor) Err() error { return cur.err }

// Position returns the sequence the next Next call would read. Passing it
// to From resumes iteration exactly where this cursor stopped.
func (cur *Cursor) Position() uint64 { return cur.next }
