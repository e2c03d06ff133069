package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// redisAppendScript performs the tip compare-and-swap atomically.
// KEYS[1] = tip hash key   (HSET sequence, hash)
// KEYS[2] = event list key (RPUSH, index = sequence-1)
// KEYS[3] = stream set key
// ARGV[1] = expected sequence
// ARGV[2] = expected hash
// ARGV[3] = genesis hash (tip value for streams with no events)
// ARGV[4] = serialized event
// ARGV[5] = new hash
// ARGV[6] = stream name
var redisAppendScript = redis.NewScript(`
local tip = redis.call("HMGET", KEYS[1], "sequence", "hash")
local seq = tonumber(tip[1])
local hash = tip[2]

if not seq then
    seq = 0
    hash = ARGV[3]
end

if seq ~= tonumber(ARGV[1]) or hash ~= ARGV[2] then
    return 0
end

redis.call("RPUSH", KEYS[2], ARGV[4])
redis.call("HSET", KEYS[1], "sequence", seq + 1, "hash", ARGV[5])
redis.call("SADD", KEYS[3], ARGV[6])
return 1
`)

// RedisStore keeps each stream as a Redis list plus a tip hash, with the
// compare-and-swap running server side in a Lua script so concurrent
// appends from many processes stay fork-free.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix overrides the default "neuromesh:chain" key namespace.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// NewRedisStore wraps an existing go-redis client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: "neuromesh:chain"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) tipKey(stream string) string {
	return fmt.Sprintf("%s:%s:tip", s.prefix, stream)
}

func (s *RedisStore) eventsKey(stream string) string {
	return fmt.Sprintf("%s:%s:events", s.prefix, stream)
}

func (s *RedisStore) streamsKey() string {
	return s.prefix + ":streams"
}

// Head implements Store.
func (s *RedisStore) Head(ctx context.Context, stream string) (Tip, error) {
	values, err := s.client.HMGet(ctx, s.tipKey(stream), "sequence", "hash").Result()
	if err != nil {
		return Tip{}, fmt.Errorf("redis tip of %s: %w", stream, err)
	}
	if values[0] == nil || values[1] == nil {
		return Genesis, nil
	}

	seqText, _ := values[0].(string)
	hash, _ := values[1].(string)
	seq, err := strconv.ParseUint(seqText, 10, 64)
	if err != nil {
		return Tip{}, fmt.Errorf("redis tip of %s: corrupt sequence %q", stream, seqText)
	}
	return Tip{Hash: hash, Sequence: seq}, nil
}

// AppendCAS implements Store.
func (s *RedisStore) AppendCAS(ctx context.Context, stream string, expect Tip, event *Event) error {
	if event.PrevHash != expect.Hash || event.Sequence != expect.Sequence+1 {
		return fmt.Errorf("event %q does not extend the tip of stream %s", event.EventID, stream)
	}

	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	// An empty stream takes the appender's expected hash as its genesis,
	// so the script's comparison holds for any configured genesis value.
	keys := []string{s.tipKey(stream), s.eventsKey(stream), s.streamsKey()}
	res, err := redisAppendScript.Run(ctx, s.client, keys,
		expect.Sequence, expect.Hash, expect.Hash, string(raw), event.EventHash, stream,
	).Result()
	if err != nil {
		return fmt.Errorf("redis append to %s: %w", stream, err)
	}

	applied, ok := res.(int64)
	if !ok {
		return fmt.Errorf("redis append to %s: unexpected script result %T", stream, res)
	}
	if applied != 1 {
		return fmt.Errorf("stream %s moved past sequence %d: %w", stream, expect.Sequence, ErrTipConflict)
	}
	return nil
}

// Events implements Store.
func (s *RedisStore) Events(ctx context.Context, stream string, from uint64, limit int) ([]*Event, error) {
	if from == 0 {
		from = 1
	}
	if limit <= 0 {
		limit = DefaultBatchSize
	}

	start := int64(from - 1)
	stop := start + int64(limit) - 1
	raws, err := s.client.LRange(ctx, s.eventsKey(stream), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis events of %s: %w", stream, err)
	}

	events := make([]*Event, 0, len(raws))
	for i, raw := range raws {
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("corrupt event at %s index %d: %w", stream, start+int64(i), err)
		}
		events = append(events, &ev)
	}
	return events, nil
}

// Streams implements Store.
func (s *RedisStore) Streams(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.streamsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis stream listing: %w", err)
	}
	sort.Strings(names)
	return names, nil
}
