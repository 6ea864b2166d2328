// Package cache is a Redis-backed latency accelerator sitting in front of
// the store adapter's fingerprint lookup. It is never the system of record:
// a miss, an error, or a nil client all degrade to "ask the store," which
// keeps spec.md's cache-probe contract intact whether or not this
// accelerator is wired in at all.
package cache

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/suPer8Hu/llmworker/internal/task"
)

const defaultTTL = 24 * time.Hour

type Accelerator struct {
	rdb *redis.Client
	ttl time.Duration
}

// New wraps an already-connected *redis.Client. A nil client is valid and
// turns the accelerator into a permanent-miss no-op.
func New(rdb *redis.Client) *Accelerator {
	return &Accelerator{rdb: rdb, ttl: defaultTTL}
}

func key(bodyHash string) string {
	return "completion:" + bodyHash
}

// Get returns a cached Response and true on a hit. Any Redis error
// (including client-nil) is reported as a plain miss; the caller is
// expected to fall back to the store.
func (a *Accelerator) Get(ctx context.Context, bodyHash string) (*task.Response, bool) {
	if a == nil || a.rdb == nil {
		return nil, false
	}
	v, err := a.rdb.Get(ctx, key(bodyHash)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Printf("cache accelerator get failed body_hash=%s err=%v", bodyHash, err)
		}
		return nil, false
	}
	return &task.Response{
		Completions: json.RawMessage(v),
		Cached:      true,
		Attempt:     0,
	}, true
}

// Set populates the accelerator with a terminal COMPLETED result's
// completions subtree. It uses SETNX semantics so the first writer for a
// given body hash wins, matching the store's "callers must not depend on
// which of several hits is returned" guarantee.
func (a *Accelerator) Set(ctx context.Context, bodyHash string, completions json.RawMessage) {
	if a == nil || a.rdb == nil || len(completions) == 0 {
		return
	}
	if err := a.rdb.SetNX(ctx, key(bodyHash), []byte(completions), a.ttl).Err(); err != nil {
		log.Printf("cache accelerator set failed body_hash=%s err=%v", bodyHash, err)
	}
}
