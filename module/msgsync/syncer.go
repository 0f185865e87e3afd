package msgsync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"MChat/logger"
	decode "MChat/tools/decode"
	errs "MChat/tools/errs"
)

// Syncer is the single integration point between UI, transport, local
// store, scheduler and the cross-tab channel.
type Syncer struct {
	store Store
	seq   *SequenceGenerator
	sched *SendScheduler
	tabs  Broadcaster
	fetch Fetcher

	emitter *Emitter
	clock   func() time.Time
}

type SyncerConf struct {
	Store     Store
	Scheduler *SendScheduler
	Tabs      Broadcaster // nil => local-only
	Fetcher   Fetcher     // nil => no remote fallback
	Clock     func() time.Time
}

func NewSyncer(conf SyncerConf) *Syncer {
	if conf.Clock == nil {
		conf.Clock = time.Now
	}
	if conf.Tabs == nil {
		conf.Tabs = NewMemBroadcaster(nil)
	}
	s := &Syncer{
		store:   conf.Store,
		seq:     NewSequenceGenerator(conf.Store),
		sched:   conf.Scheduler,
		tabs:    conf.Tabs,
		fetch:   conf.Fetcher,
		emitter: NewEmitter(),
		clock:   conf.Clock,
	}
	// Successful sends route through the same reconciliation entry point
	// as transport-delivered messages.
	s.sched.SetApply(func(ctx context.Context, m *Message) error {
		s.OnIncomingMessage(ctx, m)
		return nil
	})
	s.tabs.SetHandler(s.onTabEvent)
	return s
}

func (s *Syncer) Start() { s.sched.Start() }
func (s *Syncer) Stop() {
	s.sched.Stop()
	_ = s.tabs.Close()
}

// Subscribe registers a listener; the returned func detaches it.
func (s *Syncer) Subscribe(t EventType, fn func(Event)) func() {
	return s.emitter.Subscribe(t, fn)
}

func (s *Syncer) Scheduler() *SendScheduler { return s.sched }

// ===== outbound =====

// SendMessage assigns the author's next sequence number, writes the
// optimistic record and enqueues it. The returned message still carries
// its temp id; reconciliation will swap it later.
func (s *Syncer) SendMessage(ctx context.Context, conversationID, content, authorID string) (*Message, error) {
	seq, err := s.seq.Next(ctx, conversationID, authorID)
	if err != nil {
		return nil, errs.WrapMsg(err, "assign sequence %s/%s", conversationID, authorID)
	}

	now := s.clock()
	tempID := "tmp-" + uuid.NewString()
	msg := &Message{
		ID:             tempID,
		TempID:         tempID,
		ConversationID: conversationID,
		AuthorID:       authorID,
		Content:        content,
		Status:         StatusSending,
		SequenceNumber: seq,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.UpsertMessage(ctx, msg); err != nil {
		return nil, errs.ErrResource.WrapMsg("persist optimistic message: %v", err)
	}
	if _, err := s.sched.Enqueue(ctx, msg.ID); err != nil {
		return nil, err
	}
	return msg, nil
}

// ===== inbound =====

// HandleTransportEvent dispatches one decoded server event.
func (s *Syncer) HandleTransportEvent(ctx context.Context, ev *TransportEvent) {
	switch ev.Type {
	case TransportMessage:
		if ev.Message != nil {
			s.OnIncomingMessage(ctx, ev.Message)
		}
	case TransportStatusUpdate:
		if ev.StatusUpdate != nil {
			s.OnStatusUpdate(ctx, ev.StatusUpdate.MessageID, ev.StatusUpdate.Status)
		}
	case TransportBuffered:
		if ev.Buffered != nil {
			s.onBuffered(ctx, ev.Buffered)
		}
	case TransportConnected:
		logger.Debug("[syncer] transport connected")
	case TransportJoined:
		if ev.Joined != nil {
			logger.Debugf("[syncer] joined conversation %s", ev.Joined.ConversationID)
		}
	case TransportError:
		if ev.Error != nil {
			logger.Warnf("[syncer] transport error: %s", ev.Error.Description)
		}
	}
}

// OnIncomingMessage is the one reconciliation entry point. A temp-id
// match replaces the optimistic record atomically; anything else is a
// plain idempotent upsert. A reconciliation failure downgrades to the
// upsert path so the message always lands — it must never come back to
// the user as a send failure.
func (s *Syncer) OnIncomingMessage(ctx context.Context, incoming *Message) {
	canonical := incoming.Clone()
	reconciled := false

	if tempID := canonical.TempID; tempID != "" {
		if local, err := s.store.GetMessageByTempID(ctx, tempID); err == nil && local != nil {
			swapped := canonical.Clone()
			swapped.TempID = "" // canonical record never keeps the placeholder
			if swapped.Status == StatusSending || swapped.Status == "" {
				swapped.Status = StatusSent
			}
			swapped.UpdatedAt = s.clock()
			if err := s.store.ReplaceMessage(ctx, local.ID, swapped); err != nil {
				logger.Errorf("[syncer] reconcile %s -> %s failed, falling back to upsert: %v", local.ID, swapped.ID, err)
			} else {
				s.cleanupRequests(ctx, local.ID, swapped.ID)
				canonical = swapped
				reconciled = true
			}
		} else if err != nil {
			logger.Errorf("[syncer] temp lookup %s: %v", tempID, err)
		}
	}

	if !reconciled {
		// Foreign sender, lost race, or failed replace: last-writer-wins
		// upsert keyed on the canonical id keeps this safe to repeat.
		canonical.TempID = ""
		if canonical.Status == "" {
			canonical.Status = StatusSent
		}
		if err := s.store.UpsertMessage(ctx, canonical); err != nil {
			logger.Errorf("[syncer] upsert incoming %s: %v", canonical.ID, err)
			return
		}
		s.cleanupRequests(ctx, canonical.ID)
	}

	s.touchConversation(ctx, canonical)
	ev := Event{Type: EventMessageReceived, Payload: messagePayload(canonical)}
	s.emitter.Emit(ev)
	s.tabs.Publish(ev)
}

// onBuffered handles the deferred-delivery ack. It is a redundant
// trigger into the same reconciliation path, not a second code path:
// the payload is lifted into a canonical message skeleton first.
func (s *Syncer) onBuffered(ctx context.Context, p *BufferedPayload) {
	local, err := s.store.GetMessageByTempID(ctx, p.TempID)
	if err != nil || local == nil {
		if err != nil {
			logger.Errorf("[syncer] buffered lookup %s: %v", p.TempID, err)
		}
		return
	}
	canonical := local.Clone()
	canonical.ID = p.MessageID
	canonical.TempID = p.TempID
	canonical.Status = StatusSent
	if p.SequenceNumber > 0 {
		canonical.SequenceNumber = p.SequenceNumber
	}
	s.OnIncomingMessage(ctx, canonical)
}

// OnStatusUpdate applies a status transition, canonical id first with a
// temp-id fallback. Reaching a confirmed state clears any lingering
// send request so a reconnect does not resend.
func (s *Syncer) OnStatusUpdate(ctx context.Context, messageID string, status MessageStatus) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		logger.Errorf("[syncer] status lookup %s: %v", messageID, err)
		return
	}
	if msg == nil {
		if msg, err = s.store.GetMessageByTempID(ctx, messageID); err != nil {
			logger.Errorf("[syncer] status temp lookup %s: %v", messageID, err)
			return
		}
	}
	if msg == nil {
		logger.Debugf("[syncer] status update for unknown message %s dropped", messageID)
		return
	}

	msg.Status = status
	msg.UpdatedAt = s.clock()
	if err := s.store.UpsertMessage(ctx, msg); err != nil {
		logger.Errorf("[syncer] apply status %s=%s: %v", msg.ID, status, err)
		return
	}
	if status.Confirmed() {
		s.cleanupRequests(ctx, msg.ID, messageID)
	}

	ev := Event{Type: EventStatusUpdated, Payload: statusPayload(msg.ID, status)}
	s.emitter.Emit(ev)
	s.tabs.Publish(ev)
}

func (s *Syncer) cleanupRequests(ctx context.Context, messageIDs ...string) {
	for _, id := range messageIDs {
		if err := s.store.DeleteSendRequestByMessageID(ctx, id); err != nil {
			logger.Errorf("[syncer] cleanup request for %s: %v", id, err)
		}
	}
}

func (s *Syncer) touchConversation(ctx context.Context, m *Message) {
	if err := s.store.UpsertConversation(ctx, &Conversation{
		ID:            m.ConversationID,
		LastMessageID: m.ID,
		UpdatedAt:     m.UpdatedAt,
	}); err != nil {
		logger.Errorf("[syncer] touch conversation %s: %v", m.ConversationID, err)
	}
}

// ===== cross-tab =====

// onTabEvent applies an event a sibling tab observed. Local store
// mutations only; no rebroadcast, or tabs would ping-pong forever.
func (s *Syncer) onTabEvent(ev Event) {
	ctx := context.Background()
	switch ev.Type {
	case EventMessageReceived:
		m, err := decode.DecodeMap[Message](ev.Payload)
		if err != nil {
			logger.Warnf("[syncer] drop malformed tab message: %v", err)
			return
		}
		if err := s.store.UpsertMessage(ctx, m); err != nil {
			logger.Errorf("[syncer] tab upsert %s: %v", m.ID, err)
			return
		}
		s.emitter.Emit(ev)
	case EventStatusUpdated:
		p, err := decode.DecodeMap[StatusUpdatePayload](ev.Payload)
		if err != nil {
			logger.Warnf("[syncer] drop malformed tab status: %v", err)
			return
		}
		if msg, err := s.store.GetMessage(ctx, p.MessageID); err == nil && msg != nil {
			msg.Status = p.Status
			msg.UpdatedAt = s.clock()
			_ = s.store.UpsertMessage(ctx, msg)
		}
		s.emitter.Emit(ev)
	case EventPaginationCompleted:
		s.emitter.Emit(ev)
	}
}

// ===== local-first reads =====

func (s *Syncer) LoadConversations(ctx context.Context) ([]*Conversation, error) {
	local, err := s.store.ListConversations(ctx)
	if err != nil {
		return nil, errs.ErrResource.WrapMsg("list conversations: %v", err)
	}
	if len(local) > 0 || s.fetch == nil {
		return local, nil
	}
	remote, err := s.fetch.FetchConversations(ctx)
	if err != nil {
		return nil, errs.WrapMsg(err, "fetch conversations")
	}
	for _, c := range remote {
		if err := s.store.UpsertConversation(ctx, c); err != nil {
			logger.Errorf("[syncer] cache conversation %s: %v", c.ID, err)
		}
	}
	return remote, nil
}

func (s *Syncer) LoadMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	return s.loadMessages(ctx, conversationID, limit, "")
}

func (s *Syncer) LoadMoreMessages(ctx context.Context, conversationID, beforeID string, limit int) ([]*Message, error) {
	return s.loadMessages(ctx, conversationID, limit, beforeID)
}

func (s *Syncer) loadMessages(ctx context.Context, conversationID string, limit int, beforeID string) ([]*Message, error) {
	local, err := s.store.ListMessages(ctx, conversationID, limit, beforeID)
	if err != nil {
		return nil, errs.ErrResource.WrapMsg("list messages %s: %v", conversationID, err)
	}
	if (limit <= 0 || len(local) >= limit) || s.fetch == nil {
		return local, nil
	}
	remote, err := s.fetch.FetchMessages(ctx, conversationID, limit, beforeID)
	if err != nil {
		// Local data still answers the read; the fetch was best effort.
		logger.Warnf("[syncer] remote fetch %s failed, serving local: %v", conversationID, err)
		return local, nil
	}
	for _, m := range remote {
		if err := s.store.UpsertMessage(ctx, m); err != nil {
			logger.Errorf("[syncer] cache message %s: %v", m.ID, err)
		}
	}
	merged, err := s.store.ListMessages(ctx, conversationID, limit, beforeID)
	if err != nil {
		return nil, errs.ErrResource.WrapMsg("relist messages %s: %v", conversationID, err)
	}
	s.tabs.Publish(Event{Type: EventPaginationCompleted, Payload: paginationPayload(conversationID, len(merged))})
	return merged, nil
}

// ===== payload helpers =====

func messagePayload(m *Message) map[string]any {
	data, _ := json.Marshal(m)
	var out map[string]any
	_ = json.Unmarshal(data, &out)
	return out
}

func statusPayload(messageID string, status MessageStatus) map[string]any {
	return map[string]any{"messageId": messageID, "status": string(status)}
}

func paginationPayload(conversationID string, count int) map[string]any {
	return map[string]any{"conversationId": conversationID, "count": count}
}
