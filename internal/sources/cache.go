package sources

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/the-spy-project/spy/internal/config"
)

const defaultCacheKey = "spy:identifiers"

// SetClient is the subset of the Redis API used by CachedLookup.
type SetClient interface {
	SMIsMember(ctx context.Context, key string, members ...interface{}) *redis.BoolSliceCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
}

// CachedLookup answers existence checks from a Redis set and falls back to
// the store for misses. Records are never deleted, so only positive answers
// are cached. Cache failures degrade to the store.
type CachedLookup struct {
	rdb  SetClient
	key  string
	next Lookup
}

func NewCachedLookup(rdb SetClient, next Lookup) *CachedLookup {
	return &CachedLookup{rdb: rdb, key: defaultCacheKey, next: next}
}

// NewRedisClientForConfig returns nil when REDIS_ADDR is not set.
func NewRedisClientForConfig(cfg *config.Config) *redis.Client {
	if cfg.GetRedisAddr() == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.GetRedisAddr(),
		Password: cfg.GetRedisPassword(),
		DB:       cfg.GetRedisDB(),
	})
}

func (l *CachedLookup) ExistingIdentifiers(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	hits, err := l.rdb.SMIsMember(ctx, l.key, members...).Result()
	if err != nil {
		slog.WarnContext(ctx, "Identifier cache unavailable", "error", err)
		hits = nil
	}
	var misses []string
	for i, id := range ids {
		if i < len(hits) && hits[i] {
			out[id] = true
		} else {
			misses = append(misses, id)
		}
	}
	if len(misses) == 0 {
		return out, nil
	}

	found, err := l.next.ExistingIdentifiers(ctx, misses)
	if err != nil {
		return nil, err
	}
	var add []interface{}
	for id, ok := range found {
		if ok {
			out[id] = true
			add = append(add, id)
		}
	}
	if len(add) > 0 {
		if err := l.rdb.SAdd(ctx, l.key, add...).Err(); err != nil {
			slog.WarnContext(ctx, "Failed to cache identifiers", "count", len(add), "error", err)
		}
	}
	slog.DebugContext(ctx, "identifier lookup", "ids", len(ids), "cache_hits", len(ids)-len(misses), "stored", len(add))
	return out, nil
}

// Remember caches ids as stored.
func (l *CachedLookup) Remember(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	return l.rdb.SAdd(ctx, l.key, members...).Err()
}
