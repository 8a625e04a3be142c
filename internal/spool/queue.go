package spool

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/theirongolddev/mergemeter/internal/config"
)

// Queue is the holding area between call sites and the ledger.
type Queue interface {
	// Put stores r as pending. An empty ID is assigned.
	Put(ctx context.Context, r Record) (Record, error)
	// Pending returns unconsumed items in ID order. Undecodable entries are
	// returned with Err set so they can be rejected.
	Pending(ctx context.Context) ([]Item, error)
	// Ack marks an item consumed. Acking an already consumed item is not an error.
	Ack(ctx context.Context, it Item) error
	// Reject quarantines an item that can never be imported.
	Reject(ctx context.Context, it Item, reason string) error
	// Stats counts items by state.
	Stats(ctx context.Context) (Stats, error)
}

// Stats counts queue items by state.
type Stats struct {
	Pending  int `json:"pending"`
	Imported int `json:"imported"`
	Rejected int `json:"rejected"`
}

// Open returns the queue selected by cfg.
func Open(cfg config.SpoolConfig) (Queue, error) {
	switch cfg.Driver {
	case config.SpoolDir, "":
		return NewDirQueue(cfg.Dir), nil
	case config.SpoolRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return NewRedisQueue(rdb, cfg.RedisPrefix), nil
	default:
		return nil, fmt.Errorf("unknown spool driver %q", cfg.Driver)
	}
}
