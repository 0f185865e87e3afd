package msgsync

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	errs "MChat/tools/errs"
)

// SequenceGenerator captures the author's intended send order: it is
// consulted only when the author's own client originates a message,
// never when reconciling remote ones.
type SequenceGenerator struct {
	store Store
}

func NewSequenceGenerator(store Store) *SequenceGenerator {
	return &SequenceGenerator{store: store}
}

// Next returns the next sequence number for (conversation, author).
// Strictly increasing and gap-free per key; a storage failure surfaces
// to the caller untouched, retry policy is the caller's call.
func (g *SequenceGenerator) Next(ctx context.Context, conversationID, authorID string) (int64, error) {
	return g.store.NextSequence(ctx, conversationID, authorID)
}

// ===== Redis-backed allocator =====

// RedisSeq is the slice of the redis API the allocator touches; any
// go-redis client satisfies it.
type RedisSeq interface {
	redis.Scripter
	Get(ctx context.Context, key string) *redis.StringCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
}

// RedisSeqAllocator serves clients whose tabs run as separate processes
// sharing one redis. INCR carries the atomicity; the counter is seeded
// from the local store floor on first use so numbering continues across
// a cache flush instead of restarting at 1.
type RedisSeqAllocator struct {
	Rdb       RedisSeq
	Store     Store
	KeyPrefix string
	LockTTL   time.Duration
}

func NewRedisSeqAllocator(rdb RedisSeq, store Store) *RedisSeqAllocator {
	return &RedisSeqAllocator{
		Rdb:       rdb,
		Store:     store,
		KeyPrefix: "sync:seq",
		LockTTL:   10 * time.Second,
	}
}

func (a *RedisSeqAllocator) key(conv, author string) string {
	return fmt.Sprintf("%s:%s:%s", a.KeyPrefix, conv, author)
}

// floor-or-incr: seed the key when missing, then INCR, in one script so
// two cold callers cannot both seed.
var seqSeedLua = redis.NewScript(`
  local k = KEYS[1]
  local floor = tonumber(ARGV[1])
  local v = redis.call('GET', k)
  if (not v) or (tonumber(v) < floor) then
    redis.call('SET', k, floor)
  end
  return redis.call('INCR', k)
`)

func (a *RedisSeqAllocator) Next(ctx context.Context, conversationID, authorID string) (int64, error) {
	key := a.key(conversationID, authorID)

	// Warm path: key exists, plain INCR.
	if v, err := a.Rdb.Get(ctx, key).Int64(); err == nil && v > 0 {
		n, err := a.Rdb.Incr(ctx, key).Result()
		if err != nil {
			return 0, errs.ErrResource.WrapMsg("seq incr %s: %v", key, err)
		}
		return n, nil
	}

	// Cold path: fetch the floor from the durable store, seed and INCR
	// atomically. Floor 0 means the counter simply starts at 1.
	floor, err := a.storeFloor(ctx, conversationID, authorID)
	if err != nil {
		return 0, err
	}
	n, err := seqSeedLua.Run(ctx, a.Rdb, []string{key}, floor).Int64()
	if err != nil {
		return 0, errs.ErrResource.WrapMsg("seq seed %s: %v", key, err)
	}
	return n, nil
}

// storeFloor finds the highest sequence number already issued locally.
func (a *RedisSeqAllocator) storeFloor(ctx context.Context, conversationID, authorID string) (int64, error) {
	if a.Store == nil {
		return 0, nil
	}
	msgs, err := a.Store.ListMessages(ctx, conversationID, 0, "")
	if err != nil {
		return 0, errs.ErrResource.WrapMsg("seq floor scan: %v", err)
	}
	var floor int64
	for _, m := range msgs {
		if m.AuthorID == authorID && m.SequenceNumber > floor {
			floor = m.SequenceNumber
		}
	}
	return floor, nil
}
