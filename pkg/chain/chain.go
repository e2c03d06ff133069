// Package chain implements per-stream, hash-linked, append-only audit logs.
//
// Every event carries the hash of its predecessor, so any mutation,
// insertion, or deletion breaks the link and is detectable by Verify. A
// stream with no events has the genesis tip; appends advance the tip through
// a compare-and-swap on the backing store, which makes forks impossible: no
// two events can ever claim the same predecessor.
//
// Verification only ever reports divergence. Repair is a human decision made
// outside this package; nothing here rewrites history.
package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/neuromesh/pkg/canonical"
	"github.com/Mindburn-Labs/neuromesh/pkg/util/resiliency"
)

// GenesisHash is the default prev-hash of a stream's first event. A
// deployment may configure its own value via WithGenesis; what matters is
// that every verifier of a stream agrees on it.
const GenesisHash = "genesis"

// DefaultMaxRetries bounds the append loop when writers collide on a tip.
const DefaultMaxRetries = 5

var (
	// ErrIntegrity marks a verified divergence between the stored chain and
	// what its hashes require.
	ErrIntegrity = errors.New("audit chain integrity violation")

	// ErrContention is returned when an append loses the tip race more
	// times than the retry budget allows.
	ErrContention = errors.New("audit chain append contention")
)

// IntegrityError pinpoints the first divergence found during verification.
type IntegrityError struct {
	Stream   string
	Sequence uint64
	Reason   string
	Expected string
	Got      string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("stream %q diverges at sequence %d: %s (expected %q, got %q)",
		e.Stream, e.Sequence, e.Reason, e.Expected, e.Got)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

// ContentionError reports an append abandoned because the stream tip kept
// moving underneath it.
type ContentionError struct {
	Stream   string
	Attempts int
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("append to stream %q abandoned after %d attempts", e.Stream, e.Attempts)
}

func (e *ContentionError) Unwrap() error { return ErrContention }

// Event is one immutable entry in an audit stream. Sequence, PrevHash, and
// EventHash are assigned by Append; everything else is caller content.
type Event struct {
	EventID     string         `json:"event_id"`
	Stream      string         `json:"stream"`
	Sequence    uint64         `json:"sequence"`
	EventType   string         `json:"event_type"`
	ActorID     string         `json:"actor_id"`
	ActorKind   string         `json:"actor_kind,omitempty"`
	Action      string         `json:"action,omitempty"`
	Resource    string         `json:"resource,omitempty"`
	Outcome     string         `json:"outcome,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	MessageID   string         `json:"message_id,omitempty"`
	CausalityID string         `json:"causality_id,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	PrevHash    string         `json:"prev_hash"`
	EventHash   string         `json:"event_hash"`
}

// hashable is the canonical form an event is hashed over: every field except
// the hash itself.
type hashable struct {
	EventID     string         `json:"event_id"`
	Stream      string         `json:"stream"`
	Sequence    uint64         `json:"sequence"`
	EventType   string         `json:"event_type"`
	ActorID     string         `json:"actor_id"`
	ActorKind   string         `json:"actor_kind,omitempty"`
	Action      string         `json:"action,omitempty"`
	Resource    string         `json:"resource,omitempty"`
	Outcome     string         `json:"outcome,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	MessageID   string         `json:"message_id,omitempty"`
	CausalityID string         `json:"causality_id,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	PrevHash    string         `json:"prev_hash"`
}

func hashableOf(ev *Event) hashable {
	return hashable{
		EventID:     ev.EventID,
		Stream:      ev.Stream,
		Sequence:    ev.Sequence,
		EventType:   ev.EventType,
		ActorID:     ev.ActorID,
		ActorKind:   ev.ActorKind,
		Action:      ev.Action,
		Resource:    ev.Resource,
		Outcome:     ev.Outcome,
		Reason:      ev.Reason,
		MessageID:   ev.MessageID,
		CausalityID: ev.CausalityID,
		Detail:      ev.Detail,
		CreatedAt:   ev.CreatedAt,
		PrevHash:    ev.PrevHash,
	}
}

// Chain appends to and verifies hash-linked streams over a Store.
type Chain struct {
	store   Store
	hasher  *canonical.Hasher
	clock   func() time.Time
	retries int
	genesis string
	newID   func() string
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithHasher selects the digest algorithm for new events. Verification
// always follows the algorithm recorded in each stored hash.
func WithHasher(h *canonical.Hasher) ChainOption {
	return func(c *Chain) { c.hasher = h }
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) ChainOption {
	return func(c *Chain) { c.clock = clock }
}

// WithMaxRetries bounds the append CAS loop.
func WithMaxRetries(n int) ChainOption {
	return func(c *Chain) { c.retries = n }
}

// WithGenesis sets the prev-hash value anchoring every stream's first
// event. All appenders and verifiers of a store must use the same value.
func WithGenesis(hash string) ChainOption {
	return func(c *Chain) { c.genesis = hash }
}

// WithIDGenerator overrides event ID generation, for tests.
func WithIDGenerator(gen func() string) ChainOption {
	return func(c *Chain) { c.newID = gen }
}

// NewChain builds a Chain over the given store.
func NewChain(store Store, opts ...ChainOption) (*Chain, error) {
	if store == nil {
		return nil, errors.New("chain: store is required")
	}
	hasher, err := canonical.NewHasher(canonical.SHA256)
	if err != nil {
		return nil, err
	}
	c := &Chain{
		store:   store,
		hasher:  hasher,
		clock:   time.Now,
		retries: DefaultMaxRetries,
		genesis: GenesisHash,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.genesis == "" {
		return nil, errors.New("chain: genesis value is required")
	}
	return c, nil
}

// Append links event onto the end of stream and returns the stored copy
// with Sequence, PrevHash, and EventHash assigned. The input's chain fields
// are ignored. Concurrent appends race on the stream tip; the loser
// recomputes against the new tip and retries, up to the retry budget, after
// which the caller receives a *ContentionError and decides what to do.
func (c *Chain) Append(ctx context.Context, stream string, event *Event) (*Event, error) {
	if stream == "" {
		return nil, errors.New("chain: stream name is required")
	}
	if event == nil {
		return nil, errors.New("chain: event is required")
	}
	if event.EventType == "" {
		return nil, errors.New("chain: event type is required")
	}

	candidate := *event
	candidate.Stream = stream
	if candidate.EventID == "" {
		candidate.EventID = c.newID()
	}
	if candidate.CreatedAt.IsZero() {
		candidate.CreatedAt = c.clock()
	}
	// The hash covers the serialized timestamp, and stores persist it as
	// UTC text; hashing any other zone form would verify as tampered after
	// a round trip.
	candidate.CreatedAt = candidate.CreatedAt.UTC()

	attempts := c.retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := resiliency.Sleep(ctx, resiliency.BackoffDelay(attempt-1, 2*time.Millisecond, 25*time.Millisecond)); err != nil {
				return nil, err
			}
		}

		tip, err := c.store.Head(ctx, stream)
		if err != nil {
			return nil, fmt.Errorf("chain: reading tip of %s: %w", stream, err)
		}
		if tip.Sequence == 0 {
			// First append creates the stream, anchored at the
			// configured genesis.
			tip.Hash = c.genesis
		}

		candidate.Sequence = tip.Sequence + 1
		candidate.PrevHash = tip.Hash
		candidate.EventHash, err = c.hasher.Hash(hashableOf(&candidate))
		if err != nil {
			return nil, fmt.Errorf("chain: hashing event: %w", err)
		}

		err = c.store.AppendCAS(ctx, stream, tip, &candidate)
		if err == nil {
			stored := candidate
			return &stored, nil
		}
		if !errors.Is(err, ErrTipConflict) {
			return nil, fmt.Errorf("chain: appending to %s: %w", stream, err)
		}
	}

	return nil, &ContentionError{Stream: stream, Attempts: attempts}
}

// Verify walks the whole stream and returns nil when every link holds, or
// the *IntegrityError describing the first divergence. It never modifies
// anything.
func (c *Chain) Verify(ctx context.Context, stream string) error {
	return c.VerifyRange(ctx, stream, 0, 0)
}

// VerifyRange verifies the closed sequence range [from, to]. Zero for from
// means the start of the stream; zero for to means its current end. When
// the range covers the end of the stream, the store tip is checked against
// the last event as well. An explicit to past the stream's end is reported
// as a divergence, never silently shortened.
func (c *Chain) VerifyRange(ctx context.Context, stream string, from, to uint64) error {
	if stream == "" {
		return errors.New("chain: stream name is required")
	}
	if from == 0 {
		from = 1
	}
	if to > 0 && to < from {
		return fmt.Errorf("chain: invalid verify range [%d, %d]", from, to)
	}

	prev := c.genesis
	if from > 1 {
		anchor, err := c.eventAt(ctx, stream, from-1)
		if err != nil {
			return err
		}
		if anchor == nil {
			return &IntegrityError{
				Stream:   stream,
				Sequence: from - 1,
				Reason:   "anchor event missing",
				Expected: fmt.Sprintf("event at sequence %d", from-1),
				Got:      "nothing",
			}
		}
		prev = anchor.EventHash
	}

	const batch = 256
	next := from
	for {
		limit := batch
		if to > 0 && to-next+1 < uint64(limit) {
			limit = int(to - next + 1)
		}
		if limit == 0 {
			break
		}

		events, err := c.store.Events(ctx, stream, next, limit)
		if err != nil {
			return fmt.Errorf("chain: reading %s from %d: %w", stream, next, err)
		}
		if len(events) == 0 {
			break
		}

		for _, ev := range events {
			if ev.Sequence != next {
				return &IntegrityError{
					Stream:   stream,
					Sequence: next,
					Reason:   "sequence gap",
					Expected: fmt.Sprintf("%d", next),
					Got:      fmt.Sprintf("%d", ev.Sequence),
				}
			}
			if ev.PrevHash != prev {
				return &IntegrityError{
					Stream:   stream,
					Sequence: ev.Sequence,
					Reason:   "hash link broken",
					Expected: prev,
					Got:      ev.PrevHash,
				}
			}
			recomputed, err := Rehash(ev)
			if err != nil {
				return fmt.Errorf("chain: rehashing %s sequence %d: %w", stream, ev.Sequence, err)
			}
			if recomputed != ev.EventHash {
				return &IntegrityError{
					Stream:   stream,
					Sequence: ev.Sequence,
					Reason:   "event content does not match its hash",
					Expected: recomputed,
					Got:      ev.EventHash,
				}
			}
			prev = ev.EventHash
			next++
		}
	}

	if to > 0 && next <= to {
		return &IntegrityError{
			Stream:   stream,
			Sequence: next,
			Reason:   "requested range extends past stream end",
			Expected: fmt.Sprintf("events through sequence %d", to),
			Got:      fmt.Sprintf("stream ends at %d", next-1),
		}
	}

	if to == 0 {
		tip, err := c.store.Head(ctx, stream)
		if err != nil {
			return fmt.Errorf("chain: reading tip of %s: %w", stream, err)
		}
		if tip.Sequence == 0 {
			tip.Hash = c.genesis
		}
		if tip.Sequence != next-1 || tip.Hash != prev {
			return &IntegrityError{
				Stream:   stream,
				Sequence: tip.Sequence,
				Reason:   "tip disagrees with event log",
				Expected: fmt.Sprintf("%s at %d", prev, next-1),
				Got:      fmt.Sprintf("%s at %d", tip.Hash, tip.Sequence),
			}
		}
	}

	return nil
}

// Rehash recomputes an event's hash with the algorithm its stored hash was
// produced by, so streams survive a digest migration. Verifiers outside
// this package use it to check events they received out of band.
func Rehash(ev *Event) (string, error) {
	alg, _, err := canonical.ParseHash(ev.EventHash)
	if err != nil {
		return "", err
	}
	hasher, err := canonical.NewHasher(alg)
	if err != nil {
		return "", err
	}
	return hasher.Hash(hashableOf(ev))
}

func (c *Chain) eventAt(ctx context.Context, stream string, seq uint64) (*Event, error) {
	events, err := c.store.Events(ctx, stream, seq, 1)
	if err != nil {
		return nil, fmt.Errorf("chain: reading %s at %d: %w", stream, seq, err)
	}
	if len(events) == 0 || events[0].Sequence != seq {
		return nil, nil
	}
	return events[0], nil
}

// Head returns the current tip of a stream. Streams that were never
// appended to report the configured genesis at sequence zero.
func (c *Chain) Head(ctx context.Context, stream string) (Tip, error) {
	tip, err := c.store.Head(ctx, stream)
	if err != nil {
		return Tip{}, err
	}
	if tip.Sequence == 0 {
		tip.Hash = c.genesis
	}
	return tip, nil
}

// Streams lists every stream known to the store, sorted.
func (c *Chain) Streams(ctx context.Context) ([]string, error) {
	return c.store.Streams(ctx)
}
