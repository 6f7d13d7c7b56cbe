// Package bus wraps the log-structured stream store the dispatcher consumes.
// The store is Redis streams: one stream per station-channel plus the
// singleton pick and eew streams. All components depend on the Bus interface
// so tests can run against the in-memory Fake.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Stream key conventions.
const (
	PickStream = "pick"
	EEWStream  = "eew"

	// LiveWavePattern matches the Z channels the live path tails.
	LiveWavePattern = "wave:*:*Z"
)

// Record is one bus entry: a server-assigned ms-seq ID plus field map.
type Record struct {
	ID     string
	Fields map[string]string
}

// StreamSlice is the result of tailing one key.
type StreamSlice struct {
	Key     string
	Records []Record
}

// Bus is the append-only log abstraction required by the dispatcher.
type Bus interface {
	// XAdd appends a record and returns its server-generated ID.
	XAdd(ctx context.Context, key string, fields map[string]any) (string, error)
	// XRead tails multiple keys from the given per-key start IDs, blocking
	// up to block for new entries, delivering at most count per key.
	XRead(ctx context.Context, from map[string]string, count int64, block time.Duration) ([]StreamSlice, error)
	// XRange scans one key over the inclusive [start, end] ID range.
	XRange(ctx context.Context, key, start, end string) ([]Record, error)
	// XRangeBatch range-scans many keys in a single round trip.
	XRangeBatch(ctx context.Context, keys []string, start, end string) (map[string][]Record, error)
	// ScanKeys enumerates keys matching a glob pattern.
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
}

// RedisBus implements Bus over a go-redis client.
type RedisBus struct {
	client *redis.Client
}

func NewRedisBus(addr string, db int) *RedisBus {
	return &RedisBus{client: redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})}
}

// NewRedisBusFromClient wraps an existing client (used by integration tests).
func NewRedisBusFromClient(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

// Ping verifies connectivity. Called once at startup; failure is fatal.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

func (b *RedisBus) XAdd(ctx context.Context, key string, fields map[string]any) (string, error) {
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: fields,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", key, err)
	}
	return id, nil
}

func (b *RedisBus) XRead(ctx context.Context, from map[string]string, count int64, block time.Duration) ([]StreamSlice, error) {
	if len(from) == 0 {
		return nil, nil
	}

	// go-redis wants keys first, then the matching IDs.
	streams := make([]string, 0, len(from)*2)
	ids := make([]string, 0, len(from))
	for key := range from {
		streams = append(streams, key)
		ids = append(ids, from[key])
	}
	streams = append(streams, ids...)

	res, err := b.client.XRead(ctx, &redis.XReadArgs{
		Streams: streams,
		Count:   count,
		Block:   block,
	}).Result()
	if err == redis.Nil {
		// Block timeout with no new entries.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xread: %w", err)
	}

	out := make([]StreamSlice, 0, len(res))
	for _, stream := range res {
		out = append(out, StreamSlice{
			Key:     stream.Stream,
			Records: convertMessages(stream.Messages),
		})
	}
	return out, nil
}

func (b *RedisBus) XRange(ctx context.Context, key, start, end string) ([]Record, error) {
	msgs, err := b.client.XRange(ctx, key, start, end).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", key, err)
	}
	return convertMessages(msgs), nil
}

func (b *RedisBus) XRangeBatch(ctx context.Context, keys []string, start, end string) (map[string][]Record, error) {
	if len(keys) == 0 {
		return map[string][]Record{}, nil
	}

	pipe := b.client.Pipeline()
	cmds := make(map[string]*redis.XMessageSliceCmd, len(keys))
	for _, key := range keys {
		cmds[key] = pipe.XRange(ctx, key, start, end)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("xrange pipeline: %w", err)
	}

	out := make(map[string][]Record, len(keys))
	for key, cmd := range cmds {
		msgs, err := cmd.Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("xrange %s: %w", key, err)
		}
		out[key] = convertMessages(msgs)
	}
	return out, nil
}

func (b *RedisBus) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := b.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func convertMessages(msgs []redis.XMessage) []Record {
	records := make([]Record, 0, len(msgs))
	for _, msg := range msgs {
		fields := make(map[string]string, len(msg.Values))
		for k, v := range msg.Values {
			if s, ok := v.(string); ok {
				fields[k] = s
			} else {
				fields[k] = fmt.Sprint(v)
			}
		}
		records = append(records, Record{ID: msg.ID, Fields: fields})
	}
	return records
}

// IDAt renders a stream ID for a wall-clock time with sequence 0, the form
// used for inclusive time-bounded range scans.
func IDAt(t time.Time) string {
	return fmt.Sprintf("%d-0", t.UnixMilli())
}

// IDAtMillis is IDAt for an explicit epoch-milliseconds value.
func IDAtMillis(ms int64) string {
	return fmt.Sprintf("%d-0", ms)
}
