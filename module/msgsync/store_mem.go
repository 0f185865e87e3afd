package msgsync

import (
	"context"
	"sort"
	"sync"
)

// memStore keeps everything in maps behind one mutex. Production clients
// use the sqlite store; this one backs tests and throwaway sessions.
type memStore struct {
	mu       sync.Mutex
	msgs     map[string]*Message // id -> msg
	byTemp   map[string]string   // tempID -> id
	reqs     map[string]*SendRequest
	reqByMsg map[string]string // messageID -> request id
	counters map[string]int64  // conv|author -> last issued
	convs    map[string]*Conversation
}

func NewMemStore() Store {
	return &memStore{
		msgs:     make(map[string]*Message),
		byTemp:   make(map[string]string),
		reqs:     make(map[string]*SendRequest),
		reqByMsg: make(map[string]string),
		counters: make(map[string]int64),
		convs:    make(map[string]*Conversation),
	}
}

func counterKey(conv, author string) string { return conv + "|" + author }

func (s *memStore) UpsertMessage(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(m)
	return nil
}

// putLocked installs a copy and maintains the temp-id index.
func (s *memStore) putLocked(m *Message) {
	if old, ok := s.msgs[m.ID]; ok && old.TempID != "" && old.TempID != m.TempID {
		delete(s.byTemp, old.TempID)
	}
	cp := m.Clone()
	s.msgs[cp.ID] = cp
	if cp.TempID != "" {
		s.byTemp[cp.TempID] = cp.ID
	}
}

func (s *memStore) GetMessage(_ context.Context, id string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.msgs[id]; ok {
		return m.Clone(), nil
	}
	return nil, nil
}

func (s *memStore) GetMessageByTempID(_ context.Context, tempID string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byTemp[tempID]; ok {
		if m, ok2 := s.msgs[id]; ok2 {
			return m.Clone(), nil
		}
	}
	return nil, nil
}

func (s *memStore) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteMessageLocked(id)
	return nil
}

func (s *memStore) deleteMessageLocked(id string) {
	if m, ok := s.msgs[id]; ok {
		if m.TempID != "" {
			delete(s.byTemp, m.TempID)
		}
		delete(s.msgs, id)
	}
}

func (s *memStore) ReplaceMessage(_ context.Context, oldID string, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteMessageLocked(oldID)
	s.putLocked(m)
	return nil
}

func (s *memStore) ListMessages(_ context.Context, conversationID string, limit int, beforeID string) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Message, 0)
	for _, m := range s.msgs {
		if m.ConversationID == conversationID {
			out = append(out, m.Clone())
		}
	}
	// Oldest first; sequence number breaks timestamp ties per author intent.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].SequenceNumber < out[j].SequenceNumber
	})
	if beforeID != "" {
		for i, m := range out {
			if m.ID == beforeID {
				out = out[:i]
				break
			}
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memStore) ListMessagesByStatus(_ context.Context, status MessageStatus) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Message, 0)
	for _, m := range s.msgs {
		if m.Status == status {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

func (s *memStore) UpsertSendRequest(_ context.Context, r *SendRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := r.Clone()
	s.reqs[cp.ID] = cp
	s.reqByMsg[cp.MessageID] = cp.ID
	return nil
}

func (s *memStore) GetSendRequest(_ context.Context, id string) (*SendRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.reqs[id]; ok {
		return r.Clone(), nil
	}
	return nil, nil
}

func (s *memStore) GetSendRequestByMessageID(_ context.Context, messageID string) (*SendRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.reqByMsg[messageID]; ok {
		if r, ok2 := s.reqs[id]; ok2 {
			return r.Clone(), nil
		}
	}
	return nil, nil
}

func (s *memStore) DeleteSendRequest(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.reqs[id]; ok {
		delete(s.reqByMsg, r.MessageID)
		delete(s.reqs, id)
	}
	return nil
}

func (s *memStore) DeleteSendRequestByMessageID(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.reqByMsg[messageID]; ok {
		delete(s.reqs, id)
		delete(s.reqByMsg, messageID)
	}
	return nil
}

func (s *memStore) ListSendRequestsByStatus(_ context.Context, statuses ...SendRequestStatus) ([]*SendRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[SendRequestStatus]struct{}, len(statuses))
	for _, st := range statuses {
		want[st] = struct{}{}
	}
	out := make([]*SendRequest, 0)
	for _, r := range s.reqs {
		if _, ok := want[r.Status]; ok {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) NextSequence(_ context.Context, conversationID, authorID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := counterKey(conversationID, authorID)
	s.counters[k]++
	return s.counters[k], nil
}

func (s *memStore) UpsertConversation(_ context.Context, c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.convs[cp.ID] = &cp
	return nil
}

func (s *memStore) ListConversations(_ context.Context) ([]*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}
