package chain

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLStore persists streams in a relational table via database/sql. It
// works against Postgres (lib/pq) and SQLite (modernc.org/sqlite); both
// accept $n placeholders.
//
// The primary key (stream, sequence) is the compare-and-swap: two writers
// extending the same tip compute the same sequence, and the second insert
// violates the key. The unique (stream, prev_hash) constraint additionally
// rejects forks at the storage layer even if a buggy client bypasses the
// append loop.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	stream TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	event_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	actor_kind TEXT,
	action TEXT,
	resource TEXT,
	outcome TEXT,
	reason TEXT,
	message_id TEXT,
	causality_id TEXT,
	detail TEXT,
	created_at TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	event_hash TEXT NOT NULL,
	PRIMARY KEY (stream, sequence),
	UNIQUE (stream, prev_hash)
);
`

// Init creates the schema if it does not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqlSchema)
	return err
}

// Head implements Store.
func (s *SQLStore) Head(ctx context.Context, stream string) (Tip, error) {
	var tip Tip
	err := s.db.QueryRowContext(ctx,
		`SELECT event_hash, sequence FROM audit_events WHERE stream = $1 ORDER BY sequence DESC LIMIT 1`,
		stream,
	).Scan(&tip.Hash, &tip.Sequence)
	if errors.Is(err, sql.ErrNoRows) {
		return Genesis, nil
	}
	if err != nil {
		return Tip{}, fmt.Errorf("querying tip of %s: %w", stream, err)
	}
	return tip, nil
}

// AppendCAS implements Store. Insert failures are re-checked against the
// current tip so a lost race surfaces as ErrTipConflict rather than a
// driver-specific constraint error.
func (s *SQLStore) AppendCAS(ctx context.Context, stream string, expect Tip, event *Event) error {
	if event.PrevHash != expect.Hash || event.Sequence != expect.Sequence+1 {
		return fmt.Errorf("event %q does not extend the tip of stream %s", event.EventID, stream)
	}

	detail, err := marshalDetail(event.Detail)
	if err != nil {
		return err
	}

	// created_at travels as RFC 3339 text: the event hash covers the
	// serialized timestamp, so the stored form must round-trip exactly.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (
			stream, sequence, event_id, event_type, actor_id, actor_kind,
			action, resource, outcome, reason, message_id, causality_id,
			detail, created_at, prev_hash, event_hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		stream, event.Sequence, event.EventID, event.EventType, event.ActorID, event.ActorKind,
		event.Action, event.Resource, event.Outcome, event.Reason, event.MessageID, event.CausalityID,
		detail, event.CreatedAt.UTC().Format(time.RFC3339Nano), event.PrevHash, event.EventHash,
	)
	if err == nil {
		return nil
	}

	head, headErr := s.Head(ctx, stream)
	if headErr == nil && (head.Sequence != expect.Sequence || (head.Sequence > 0 && head.Hash != expect.Hash)) {
		return fmt.Errorf("stream %s advanced to %d during append: %w", stream, head.Sequence, ErrTipConflict)
	}
	return fmt.Errorf("inserting event into %s: %w", stream, err)
}

// Events implements Store.
func (s *SQLStore) Events(ctx context.Context, stream string, from uint64, limit int) ([]*Event, error) {
	if from == 0 {
		from = 1
	}
	if limit <= 0 {
		limit = DefaultBatchSize
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT stream, sequence, event_id, event_type, actor_id, actor_kind,
		       action, resource, outcome, reason, message_id, causality_id,
		       detail, created_at, prev_hash, event_hash
		FROM audit_events
		WHERE stream = $1 AND sequence >= $2
		ORDER BY sequence ASC
		LIMIT $3`,
		stream, from, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying events of %s: %w", stream, err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]*Event, 0, limit)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// Streams implements Store.
func (s *SQLStore) Streams(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT stream FROM audit_events ORDER BY stream ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing streams: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var streams []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		streams = append(streams, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return streams, nil
}

func marshalDetail(detail map[string]any) (sql.NullString, error) {
	if detail == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshaling event detail: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func scanEvent(rows *sql.Rows) (*Event, error) {
	var (
		ev        Event
		actorKind sql.NullString
		action    sql.NullString
		resource  sql.NullString
		outcome   sql.NullString
		reason    sql.NullString
		messageID sql.NullString
		causality sql.NullString
		detail    sql.NullString
		createdAt string
	)
	err := rows.Scan(
		&ev.Stream, &ev.Sequence, &ev.EventID, &ev.EventType, &ev.ActorID, &actorKind,
		&action, &resource, &outcome, &reason, &messageID, &causality,
		&detail, &createdAt, &ev.PrevHash, &ev.EventHash,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning event row: %w", err)
	}

	ev.ActorKind = actorKind.String
	ev.Action = action.String
	ev.Resource = resource.String
	ev.Outcome = outcome.String
	ev.Reason = reason.String
	ev.MessageID = messageID.String
	ev.CausalityID = causality.String
	ev.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("corrupt created_at at %s sequence %d: %w", ev.Stream, ev.Sequence, err)
	}

	if detail.Valid && detail.String != "" {
		if err := json.Unmarshal([]byte(detail.String), &ev.Detail); err != nil {
			return nil, fmt.Errorf("corrupt event detail at %s sequence %d: %w", ev.Stream, ev.Sequence, err)
		}
	}
	return &ev, nil
}
