package msgsync

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"MChat/logger"
	safe "MChat/tools/safe"
)

// redisBroadcaster carries tab events over a pub/sub channel scoped to
// the user, for clients whose tabs are separate OS processes. Shape on
// the wire is the JSON Event envelope; anything undecodable or of an
// unknown type is logged and dropped.
type redisBroadcaster struct {
	rdb        redis.UniversalClient
	channel    string
	instanceID string
	pubsub     *redis.PubSub
	cancel     context.CancelFunc

	mu      sync.Mutex
	handler func(Event)
}

const tabChannelPrefix = "sync:tabs:"

// NewRedisBroadcaster subscribes to the user's tab channel. A nil rdb
// degrades to a no-op mem broadcaster with no hub attached.
func NewRedisBroadcaster(rdb redis.UniversalClient, userID string) Broadcaster {
	if rdb == nil {
		logger.Warnf("[tabs] redis unavailable, cross-tab events degrade to local-only")
		return NewMemBroadcaster(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &redisBroadcaster{
		rdb:        rdb,
		channel:    tabChannelPrefix + userID,
		instanceID: uuid.NewString(),
		cancel:     cancel,
	}
	b.pubsub = rdb.Subscribe(ctx, b.channel)
	safe.SafeGo(func() { b.recvLoop(ctx) })
	return b
}

func (b *redisBroadcaster) InstanceID() string { return b.instanceID }

func (b *redisBroadcaster) SetHandler(fn func(Event)) {
	b.mu.Lock()
	b.handler = fn
	b.mu.Unlock()
}

func (b *redisBroadcaster) Publish(ev Event) {
	ev.SenderInstanceID = b.instanceID
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Errorf("[tabs] marshal event: %v", err)
		return
	}
	// Fire and forget; a publish error must not reach the caller.
	if err := b.rdb.Publish(context.Background(), b.channel, data).Err(); err != nil {
		logger.Warnf("[tabs] publish failed: %v", err)
	}
}

func (b *redisBroadcaster) recvLoop(ctx context.Context) {
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.dispatchRaw([]byte(msg.Payload))
		}
	}
}

// dispatchRaw applies one wire payload: undecodable, self-published and
// unknown-typed events are dropped before the handler sees anything.
func (b *redisBroadcaster) dispatchRaw(raw []byte) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		logger.Warnf("[tabs] drop undecodable event: %v", err)
		return
	}
	if ev.SenderInstanceID == b.instanceID {
		return
	}
	if !knownEventType(ev.Type) {
		return
	}
	b.mu.Lock()
	fn := b.handler
	b.mu.Unlock()
	if fn != nil {
		safe.SafeCall(func() { fn(ev) })
	}
}

func (b *redisBroadcaster) Close() error {
	b.cancel()
	return b.pubsub.Close()
}
