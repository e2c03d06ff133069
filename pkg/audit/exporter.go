package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/neuromesh/pkg/canonical"
	"github.com/Mindburn-Labs/neuromesh/pkg/chain"
)

// BundleFormatVersion identifies the evidence bundle layout.
const BundleFormatVersion = "1.0.0"

// Bundle is a self-contained, independently verifiable excerpt of an audit
// stream, suitable for handing to an external reviewer.
type Bundle struct {
	BundleID      string         `json:"bundle_id"`
	FormatVersion string         `json:"format_version"`
	Stream        string         `json:"stream"`
	CreatedAt     time.Time      `json:"created_at"`
	FromSequence  uint64         `json:"from_sequence"`
	ToSequence    uint64         `json:"to_sequence"`
	EventCount    int            `json:"event_count"`
	Events        []*chain.Event `json:"events"`
	TipHash       string         `json:"tip_hash"`
	BundleHash    string         `json:"bundle_hash"`
}

// Exporter produces evidence bundles from a chain.
type Exporter struct {
	chain *chain.Chain
	clock func() time.Time
	newID func() string
}

// ExporterOption configures an Exporter.
type ExporterOption func(*Exporter)

// WithExportClock overrides the time source, for tests.
func WithExportClock(clock func() time.Time) ExporterOption {
	return func(x *Exporter) { x.clock = clock }
}

// WithExportIDGenerator overrides bundle ID generation, for tests.
func WithExportIDGenerator(gen func() string) ExporterOption {
	return func(x *Exporter) { x.newID = gen }
}

// NewExporter builds an Exporter over a chain.
func NewExporter(ch *chain.Chain, opts ...ExporterOption) (*Exporter, error) {
	if ch == nil {
		return nil, errors.New("audit: chain is required")
	}
	x := &Exporter{
		chain: ch,
		clock: time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x, nil
}

// Export bundles the sequence range [from, to] of a stream. Zero for from
// means the start; zero for to means the current tip. The range is verified
// before export: evidence that fails integrity checks is not bundled.
func (x *Exporter) Export(ctx context.Context, stream string, from, to uint64) (*Bundle, error) {
	if from == 0 {
		from = 1
	}
	if to == 0 {
		tip, err := x.chain.Head(ctx, stream)
		if err != nil {
			return nil, fmt.Errorf("audit: resolving tip of %s: %w", stream, err)
		}
		if tip.Sequence == 0 {
			return nil, fmt.Errorf("audit: stream %s has no events to export", stream)
		}
		to = tip.Sequence
	}
	if to < from {
		return nil, fmt.Errorf("audit: invalid export range [%d, %d]", from, to)
	}

	if err := x.chain.VerifyRange(ctx, stream, from, to); err != nil {
		return nil, fmt.Errorf("audit: refusing to export unverified range: %w", err)
	}

	events := make([]*chain.Event, 0, to-from+1)
	cur := x.chain.Read(stream, chain.From(from))
	for cur.Next(ctx) {
		ev := cur.Event()
		if ev.Sequence > to {
			break
		}
		events = append(events, ev)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("audit: reading %s: %w", stream, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("audit: no events in range [%d, %d] of %s", from, to, stream)
	}

	bundle := &Bundle{
		BundleID:      x.newID(),
		FormatVersion: BundleFormatVersion,
		Stream:        stream,
		CreatedAt:     x.clock().UTC(),
		FromSequence:  events[0].Sequence,
		ToSequence:    events[len(events)-1].Sequence,
		EventCount:    len(events),
		Events:        events,
		TipHash:       events[len(events)-1].EventHash,
	}

	hash, err := canonical.Hash(bundle.Events)
	if err != nil {
		return nil, fmt.Errorf("audit: hashing bundle: %w", err)
	}
	bundle.BundleHash = hash
	return bundle, nil
}

// VerifyBundle checks a bundle in isolation: the seal over its events, the
// hash links between them, and each event's content hash. It needs no
// access to the originating store.
func VerifyBundle(b *Bundle) error {
	if b == nil {
		return errors.New("audit: bundle is nil")
	}
	if len(b.Events) == 0 {
		return errors.New("audit: bundle is empty")
	}

	hash, err := canonical.Hash(b.Events)
	if err != nil {
		return fmt.Errorf("audit: hashing bundle: %w", err)
	}
	if hash != b.BundleHash {
		return fmt.Errorf("audit: bundle seal mismatch: computed %s, recorded %s", hash, b.BundleHash)
	}

	for i, ev := range b.Events {
		if i > 0 && ev.PrevHash != b.Events[i-1].EventHash {
			return &chain.IntegrityError{
				Stream:   b.Stream,
				Sequence: ev.Sequence,
				Reason:   "hash link broken inside bundle",
				Expected: b.Events[i-1].EventHash,
				Got:      ev.PrevHash,
			}
		}
		recomputed, err := chain.Rehash(ev)
		if err != nil {
			return fmt.Errorf("audit: rehashing bundled event %d: %w", ev.Sequence, err)
		}
		if recomputed != ev.EventHash {
			return &chain.IntegrityError{
				Stream:   b.Stream,
				Sequence: ev.Sequence,
				Reason:   "bundled event does not match its hash",
				Expected: recomputed,
				Got:      ev.EventHash,
			}
		}
	}

	if b.TipHash != b.Events[len(b.Events)-1].EventHash {
		return fmt.Errorf("audit: bundle tip %s does not match its last event", b.TipHash)
	}
	return nil
}
