package msgsync

import (
	"sync"

	"MChat/logger"
	safe "MChat/tools/safe"
)

// ===== local event surface =====

type EventType string

const (
	EventMessageReceived     EventType = "MESSAGE_RECEIVED"
	EventStatusUpdated       EventType = "MESSAGE_STATUS_UPDATED"
	EventPaginationCompleted EventType = "PAGINATION_COMPLETED"
)

// Event is both the local notification and the cross-tab wire shape.
// SenderInstanceID is filled by the broadcaster for echo suppression.
type Event struct {
	Type             EventType      `json:"type"`
	Payload          map[string]any `json:"payload,omitempty"`
	SenderInstanceID string         `json:"senderInstanceId,omitempty"`
}

type StatusUpdatePayload struct {
	MessageID string        `json:"messageId"`
	Status    MessageStatus `json:"status"`
	UpdatedBy string        `json:"updatedBy,omitempty"`
}

type PaginationPayload struct {
	ConversationID string `json:"conversationId"`
	Count          int    `json:"count"`
}

// Emitter keeps an explicit subscriber list per event type, so several
// independent listeners can coexist. Subscribe returns the detach func.
type Emitter struct {
	mu     sync.Mutex
	nextID int
	subs   map[EventType]map[int]func(Event)
}

func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[EventType]map[int]func(Event))}
}

func (e *Emitter) Subscribe(t EventType, fn func(Event)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subs[t] == nil {
		e.subs[t] = make(map[int]func(Event))
	}
	e.nextID++
	id := e.nextID
	e.subs[t][id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs[t], id)
	}
}

// Emit delivers to every subscriber of ev.Type on the calling goroutine.
// A panicking handler is isolated; it cannot break the dispatch path.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	fns := make([]func(Event), 0, len(e.subs[ev.Type]))
	for _, fn := range e.subs[ev.Type] {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		f := fn
		safe.SafeCall(func() { f(ev) })
	}
}

func knownEventType(t EventType) bool {
	switch t {
	case EventMessageReceived, EventStatusUpdated, EventPaginationCompleted:
		return true
	}
	logger.Warnf("[events] unknown event type %q ignored", t)
	return false
}
