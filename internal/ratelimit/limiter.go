// Package ratelimit implements fixed-window admission control against a
// shared Redis store. Each principal owns one counter bucket whose window
// is anchored at the bucket's first use; the per-rule diagnostics counters
// ride along in the same atomic pipeline so the store never sees a half
// recorded request.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/NotEnoughUpdates/ursa-minor/internal/redis"
)

// Params are the tunable limiter settings. They are hot-reloadable; the
// gateway passes the current values on every call.
type Params struct {
	// Window is the fixed-window length attached to a bucket at first use.
	Window time.Duration
	// Threshold is the number of requests admitted per principal per window.
	Threshold int64
	// Namespace prefixes every key written to the shared store.
	Namespace string
}

// Result is the outcome of an admission check.
type Result struct {
	// Allowed is false when the post-increment bucket value exceeds the
	// threshold.
	Allowed bool
	// Used is the bucket value after this request's increment.
	Used int64
	// Threshold echoes the limit the check ran against.
	Threshold int64
}

// Limiter runs the admission pipeline. A store failure is an error, never
// a silent admit: the caller must translate it into a hard 500.
type Limiter struct {
	client redis.Client
	logger *slog.Logger
}

// NewLimiter creates a limiter backed by the given store client.
func NewLimiter(client redis.Client, logger *slog.Logger) *Limiter {
	return &Limiter{
		client: client,
		logger: logger.With("component", "ratelimit"),
	}
}

// Keyspace layout. rulePath is the matched rule's public path; member is
// the colon-joined argument list of the concrete request.
func requestKey(ns, rulePath string) string     { return ns + ":request:" + rulePath }
func bucketKey(ns, principalID string) string   { return ns + ":ratelimit:" + principalID }
func accumulatedKey(ns, rulePath string) string { return ns + ":accumulated:" + rulePath }

// Admit records the request and decides admission in one MULTI/EXEC
// round trip:
//
//	ZINCRBY <ns>:request:<rulePath> 1 <member>   per-argument diagnostics
//	INCR    <ns>:ratelimit:<principalID>         the decision counter
//	EXPIRE  <ns>:ratelimit:<principalID> NX      window, anchored at first use
//	INCRBY  <ns>:accumulated:<rulePath> 1        running total
//
// The INCR runs before the EXPIRE NX so the bucket exists when the expiry
// is attached; NX then guarantees later requests never extend the window.
// All four commands commit together or not at all.
func (l *Limiter) Admit(ctx context.Context, principalID, rulePath, member string, p Params) (Result, error) {
	pipe := l.client.TxPipeline()

	pipe.ZIncrBy(ctx, requestKey(p.Namespace, rulePath), 1, member)
	incr := pipe.Incr(ctx, bucketKey(p.Namespace, principalID))
	pipe.ExpireNX(ctx, bucketKey(p.Namespace, principalID), p.Window)
	pipe.IncrBy(ctx, accumulatedKey(p.Namespace, rulePath), 1)

	if _, err := pipe.Exec(ctx); err != nil {
		if redis.IsConnectivityErr(err) {
			l.logger.Error("rate limit store unreachable", "error", err)
		}
		return Result{}, fmt.Errorf("rate limit pipeline: %w", err)
	}

	used := incr.Val()
	return Result{
		Allowed:   used <= p.Threshold,
		Used:      used,
		Threshold: p.Threshold,
	}, nil
}

// RuleStats is the per-rule view of the diagnostics counters.
type RuleStats struct {
	RulePath    string        `json:"rule"`
	Accumulated int64         `json:"accumulated"`
	Requests    []MemberCount `json:"requests,omitempty"`
	Err         string        `json:"error,omitempty"`
}

// MemberCount pairs a request's argument list with its count.
type MemberCount struct {
	Member string  `json:"member"`
	Count  float64 `json:"count"`
}

// Stats scans the namespace's diagnostics keys and renders them for the
// admin statistics endpoint. Best effort: per-key errors are reported in
// place rather than failing the whole listing.
func (l *Limiter) Stats(ctx context.Context, namespace string) ([]RuleStats, error) {
	prefix := namespace + ":request:"
	var out []RuleStats

	var cursor uint64
	for {
		keys, next, err := l.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning %s*: %w", prefix, err)
		}
		for _, key := range keys {
			rulePath := key[len(prefix):]
			out = append(out, l.ruleStats(ctx, namespace, rulePath))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func (l *Limiter) ruleStats(ctx context.Context, namespace, rulePath string) RuleStats {
	rs := RuleStats{RulePath: rulePath}

	members, err := l.client.ZRangeWithScores(ctx, requestKey(namespace, rulePath), 0, -1).Result()
	if err != nil {
		rs.Err = err.Error()
		return rs
	}
	for _, z := range members {
		rs.Requests = append(rs.Requests, MemberCount{
			Member: fmt.Sprint(z.Member),
			Count:  z.Score,
		})
	}

	acc, err := l.client.Get(ctx, accumulatedKey(namespace, rulePath)).Int64()
	if err != nil && !errors.Is(err, goredis.Nil) {
		rs.Err = err.Error()
		return rs
	}
	rs.Accumulated = acc
	return rs
}
