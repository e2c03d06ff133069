package chain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrTipConflict is returned by AppendCAS when the stream tip no longer
// matches the expected value. The append loop treats it as a retry signal.
var ErrTipConflict = errors.New("stream tip conflict")

// Tip is the head of a stream: the hash of its latest event and that
// event's sequence number. A stream with no events has the genesis tip.
type Tip struct {
	Hash     string `json:"hash"`
	Sequence uint64 `json:"sequence"`
}

// Genesis is the tip of an empty stream.
var Genesis = Tip{Hash: GenesisHash, Sequence: 0}

// Store persists audit events per stream. Implementations must make
// AppendCAS atomic: the event is stored if and only if the stream tip still
// equals expect, otherwise ErrTipConflict is returned and nothing changes.
// That single guarantee is what keeps streams fork-free.
type Store interface {
	// Head returns the current tip. Unknown streams report Genesis; the
	// Chain substitutes its configured genesis for any sequence-zero tip.
	Head(ctx context.Context, stream string) (Tip, error)

	// AppendCAS stores event atomically if the stream tip equals expect.
	AppendCAS(ctx context.Context, stream string, expect Tip, event *Event) error

	// Events returns up to limit events with sequence >= from, ascending.
	Events(ctx context.Context, stream string, from uint64, limit int) ([]*Event, error)

	// Streams lists all known stream names, sorted.
	Streams(ctx context.Context) ([]string, error)
}

// MemoryStore is an in-process Store for tests and single-node embedding.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string][]*Event
	tips    map[string]Tip
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[string][]*Event),
		tips:    make(map[string]Tip),
	}
}

// Head implements Store.
func (s *MemoryStore) Head(_ context.Context, stream string) (Tip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tip, ok := s.tips[stream]
	if !ok {
		return Genesis, nil
	}
	return tip, nil
}

// AppendCAS implements Store.
func (s *MemoryStore) AppendCAS(_ context.Context, stream string, expect Tip, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tip, ok := s.tips[stream]
	if !ok {
		tip = Genesis
	}
	// A stream at sequence zero has exactly one possible state, so the
	// hash is only compared once events exist; the genesis value is the
	// appender's, not the store's.
	if tip.Sequence != expect.Sequence || (tip.Sequence > 0 && tip.Hash != expect.Hash) {
		return fmt.Errorf("stream %s is at %d not %d: %w", stream, tip.Sequence, expect.Sequence, ErrTipConflict)
	}
	if event.PrevHash != expect.Hash || event.Sequence != expect.Sequence+1 {
		return fmt.Errorf("event %q does not extend the tip of stream %s", event.EventID, stream)
	}

	stored := *event
	s.streams[stream] = append(s.streams[stream], &stored)
	s.tips[stream] = Tip{Hash: stored.EventHash, Sequence: stored.Sequence}
	return nil
}

// Events implements Store.
func (s *MemoryStore) Events(_ context.Context, stream string, from uint64, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.streams[stream]
	if from == 0 {
		from = 1
	}
	if from > uint64(len(events)) {
		return nil, nil
	}

	out := make([]*Event, 0, limit)
	for _, ev := range events[from-1:] {
		if limit > 0 && len(out) >= limit {
			break
		}
		copied := *ev
		out = append(out, &copied)
	}
	return out, nil
}

// Streams implements Store.
func (s *MemoryStore) Streams(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.streams))
	for name := range s.streams {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// Corrupt overwrites a stored event in place. It exists solely so integrity
// tests can simulate tampering; production code has no business calling it.
func (s *MemoryStore) Corrupt(stream string, seq uint64, mutate func(*Event)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.streams[stream]
	if seq == 0 || seq > uint64(len(events)) {
		return false
	}
	mutate(events[seq-1])
	return true
}
