package patterncache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/signalline/qscore/pkg/contracts"
)

// putScript writes an entry only when its evidence rank is not weaker
// than the stored one, atomically in Redis.
// KEYS[1] = entry key
// ARGV[1] = evidence rank of the candidate
// ARGV[2] = candidate payload (JSON)
// ARGV[3] = 1 to force, 0 to respect the ordering
var putScript = redis.NewScript(`
local key = KEYS[1]
local rank = tonumber(ARGV[1])
local payload = ARGV[2]
local force = tonumber(ARGV[3])

local cur = redis.call("HGET", key, "rank")
if force == 0 and cur and tonumber(cur) > rank then
    return 0
end

redis.call("HSET", key, "rank", rank, "payload", payload)
return 1
`)

// unlockScript releases a domain lock only for its holder.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisCache is the shared implementation. Writes take a short per-domain
// lock so concurrent enrichers serialize, and the evidence check itself
// runs as a Lua compare-and-set.
type RedisCache struct {
	client  *redis.Client
	lockTTL time.Duration
}

// NewRedisCache wraps a connected client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, lockTTL: 5 * time.Second}
}

func entryKey(domain string) string { return "qscore:pattern:" + domain }
func lockKey(domain string) string  { return "qscore:pattern-lock:" + domain }

// GetPattern returns the entry for a domain.
func (c *RedisCache) GetPattern(ctx context.Context, domain string) (*contracts.PatternCacheEntry, error) {
	payload, err := c.client.HGet(ctx, entryKey(domain), "payload").Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%s: %w", domain, ErrPatternNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("pattern cache: get %s: %w", domain, err)
	}
	var entry contracts.PatternCacheEntry
	if err := json.Unmarshal([]byte(payload), &entry); err != nil {
		return nil, fmt.Errorf("pattern cache: decode %s: %w", domain, err)
	}
	return &entry, nil
}

// PutPattern writes an entry unless the stored evidence is stronger.
func (c *RedisCache) PutPattern(ctx context.Context, entry contracts.PatternCacheEntry) error {
	return c.put(ctx, entry, false)
}

// Force writes an entry regardless of stored evidence.
func (c *RedisCache) Force(ctx context.Context, entry contracts.PatternCacheEntry) error {
	return c.put(ctx, entry, true)
}

func (c *RedisCache) put(ctx context.Context, entry contracts.PatternCacheEntry, force bool) error {
	if err := validateEntry(entry); err != nil {
		return err
	}

	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, lockKey(entry.Domain), token, c.lockTTL).Result()
	if err != nil {
		return fmt.Errorf("pattern cache: lock %s: %w", entry.Domain, err)
	}
	if !ok {
		return fmt.Errorf("pattern cache: %s is locked by another writer", entry.Domain)
	}
	defer func() {
		_ = unlockScript.Run(context.WithoutCancel(ctx), c.client, []string{lockKey(entry.Domain)}, token).Err()
	}()

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("pattern cache: encode %s: %w", entry.Domain, err)
	}

	forceArg := 0
	if force {
		forceArg = 1
	}
	res, err := putScript.Run(ctx, c.client, []string{entryKey(entry.Domain)},
		contracts.EvidenceRank(entry.Status), string(payload), forceArg).Result()
	if err != nil {
		return fmt.Errorf("pattern cache: put %s: %w", entry.Domain, err)
	}
	if accepted, _ := res.(int64); accepted == 0 {
		return fmt.Errorf("%s: %s rejected: %w", entry.Domain, entry.Status, ErrStaleEvidence)
	}
	return nil
}
