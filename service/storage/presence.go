package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Presence marks users online in redis so sibling gateways can route
// around offline peers. The value is the gateway id that owns the
// connection; the TTL bounds staleness after an unclean shutdown.
type Presence struct {
	rdb       *redis.Client
	gatewayID string
	ttl       time.Duration
}

const DefaultPresenceTTL = 60 * time.Second

func NewPresence(rdb *redis.Client, gatewayID string, ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &Presence{rdb: rdb, gatewayID: gatewayID, ttl: ttl}
}

func presenceKey(user string) string { return "im:presence:" + user }

func (p *Presence) Online(userID string) error {
	if p.rdb == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return p.rdb.Set(ctx, presenceKey(userID), p.gatewayID, p.ttl).Err()
}

func (p *Presence) Offline(userID string) error {
	if p.rdb == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return p.rdb.Del(ctx, presenceKey(userID)).Err()
}

// Lookup reports which gateway currently holds the user, if any.
func (p *Presence) Lookup(userID string) (gatewayID string, online bool, err error) {
	if p.rdb == nil {
		return "", false, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	val, err := p.rdb.Get(ctx, presenceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}
