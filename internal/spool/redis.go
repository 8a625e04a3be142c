package spool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps pending records in a hash keyed by ID. Ack moves the ID
// to an imported set; Reject moves the payload to a rejected hash.
type RedisQueue struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue returns a queue using keys under prefix.
func NewRedisQueue(rdb redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "mergemeter:spool"
	}
	return &RedisQueue{rdb: rdb, prefix: prefix}
}

func (q *RedisQueue) pendingKey() string  { return q.prefix + ":pending" }
func (q *RedisQueue) importedKey() string { return q.prefix + ":imported" }
func (q *RedisQueue) rejectedKey() string { return q.prefix + ":rejected" }

// Put implements Queue.
func (q *RedisQueue) Put(ctx context.Context, r Record) (Record, error) {
	if r.ID == "" {
		r.ID = NewID()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return r, fmt.Errorf("encoding spool record: %w", err)
	}
	if err := q.rdb.HSet(ctx, q.pendingKey(), r.ID, data).Err(); err != nil {
		return r, fmt.Errorf("spooling record: %w", err)
	}
	return r, nil
}

// Pending implements Queue.
func (q *RedisQueue) Pending(ctx context.Context) ([]Item, error) {
	all, err := q.rdb.HGetAll(ctx, q.pendingKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("reading spool: %w", err)
	}

	items := make([]Item, 0, len(all))
	for id, raw := range all {
		it := Item{ID: id, Raw: []byte(raw)}
		it.Record, it.Err = Decode(it.Raw)
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// Ack implements Queue.
func (q *RedisQueue) Ack(ctx context.Context, it Item) error {
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, q.pendingKey(), it.ID)
		p.SAdd(ctx, q.importedKey(), it.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("acking spool record %s: %w", it.ID, err)
	}
	return nil
}

// Reject implements Queue.
func (q *RedisQueue) Reject(ctx context.Context, it Item, reason string) error {
	payload, err := json.Marshal(struct {
		Reason string `json:"reason"`
		Raw    string `json:"raw"`
	}{reason, string(it.Raw)})
	if err != nil {
		return fmt.Errorf("encoding rejected record: %w", err)
	}
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, q.pendingKey(), it.ID)
		p.HSet(ctx, q.rejectedKey(), it.ID, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("rejecting spool record %s: %w", it.ID, err)
	}
	return nil
}

// Stats implements Queue.
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	var pending, imported, rejected *redis.IntCmd
	_, err := q.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		pending = p.HLen(ctx, q.pendingKey())
		imported = p.SCard(ctx, q.importedKey())
		rejected = p.HLen(ctx, q.rejectedKey())
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("reading spool stats: %w", err)
	}
	return Stats{
		Pending:  int(pending.Val()),
		Imported: int(imported.Val()),
		Rejected: int(rejected.Val()),
	}, nil
}

// Close closes the Redis client.
func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}
