package msgsync

import (
	"sync"

	"github.com/google/uuid"

	safe "MChat/tools/safe"
)

// Broadcaster propagates events between sibling client contexts of the
// same user. Fire-and-forget: publishing never blocks the caller and
// never reports delivery. An instance must not hear its own events.
type Broadcaster interface {
	Publish(ev Event)
	SetHandler(fn func(Event))
	InstanceID() string
	Close() error
}

// ===== process-local hub =====

// TabHub fans events out between broadcaster instances living in one
// process. Same contract as the redis backend, minus the wire.
type TabHub struct {
	mu      sync.RWMutex
	members map[string]*memBroadcaster
}

func NewTabHub() *TabHub {
	return &TabHub{members: make(map[string]*memBroadcaster)}
}

func (h *TabHub) publish(ev Event) {
	h.mu.RLock()
	members := make([]*memBroadcaster, 0, len(h.members))
	for _, m := range h.members {
		members = append(members, m)
	}
	h.mu.RUnlock()

	for _, m := range members {
		m.deliver(ev)
	}
}

type memBroadcaster struct {
	hub        *TabHub
	instanceID string

	mu      sync.Mutex
	handler func(Event)
	closed  bool
}

// NewMemBroadcaster attaches a new instance to hub. A nil hub degrades
// to a no-op broadcaster: events stay local, nothing fails.
func NewMemBroadcaster(hub *TabHub) Broadcaster {
	b := &memBroadcaster{hub: hub, instanceID: uuid.NewString()}
	if hub != nil {
		hub.mu.Lock()
		hub.members[b.instanceID] = b
		hub.mu.Unlock()
	}
	return b
}

func (b *memBroadcaster) InstanceID() string { return b.instanceID }

func (b *memBroadcaster) SetHandler(fn func(Event)) {
	b.mu.Lock()
	b.handler = fn
	b.mu.Unlock()
}

func (b *memBroadcaster) Publish(ev Event) {
	if b.hub == nil {
		return
	}
	ev.SenderInstanceID = b.instanceID
	b.hub.publish(ev)
}

// deliver runs the handler for events from *other* instances. Echo
// suppression happens here, on the receiving side.
func (b *memBroadcaster) deliver(ev Event) {
	if ev.SenderInstanceID == b.instanceID {
		return
	}
	if !knownEventType(ev.Type) {
		return
	}
	b.mu.Lock()
	fn := b.handler
	closed := b.closed
	b.mu.Unlock()
	if fn == nil || closed {
		return
	}
	safe.SafeCall(func() { fn(ev) })
}

func (b *memBroadcaster) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	if b.hub != nil {
		b.hub.mu.Lock()
		delete(b.hub.members, b.instanceID)
		b.hub.mu.Unlock()
	}
	return nil
}
