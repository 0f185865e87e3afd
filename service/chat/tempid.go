package chat

import (
	"sync"
	"time"
)

// TempIDTable is the short-lived attribution map that lets fan-out hand
// a freshly persisted message back to the sender's optimistic
// placeholder. Entries live 30 seconds; Remember sweeps expired ones
// lazily before each insert, so the table never needs its own timer.
type TempIDTable struct {
	mu    sync.Mutex
	ttl   time.Duration
	clock func() time.Time

	byTemp map[string]tempEntry
	byMsg  map[string]string // convID|messageID -> tempID
}

type tempEntry struct {
	messageID      string
	conversationID string
	storedAt       time.Time
}

const DefaultTempIDTTL = 30 * time.Second

// NewTempIDTable builds the table. clock is injectable for tests;
// nil => time.Now.
func NewTempIDTable(ttl time.Duration, clock func() time.Time) *TempIDTable {
	if ttl <= 0 {
		ttl = DefaultTempIDTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &TempIDTable{
		ttl:    ttl,
		clock:  clock,
		byTemp: make(map[string]tempEntry),
		byMsg:  make(map[string]string),
	}
}

func msgKey(messageID, conversationID string) string {
	return conversationID + "|" + messageID
}

func (t *TempIDTable) Remember(tempID, messageID, conversationID string) {
	if tempID == "" || messageID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sweepLocked(t.clock())
	t.byTemp[tempID] = tempEntry{
		messageID:      messageID,
		conversationID: conversationID,
		storedAt:       t.clock(),
	}
	t.byMsg[msgKey(messageID, conversationID)] = tempID
}

func (t *TempIDTable) Resolve(messageID, conversationID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tempID, ok := t.byMsg[msgKey(messageID, conversationID)]
	if !ok {
		return "", false
	}
	e, ok := t.byTemp[tempID]
	if !ok || t.clock().Sub(e.storedAt) > t.ttl {
		return "", false
	}
	return tempID, true
}

func (t *TempIDTable) Forget(tempID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forgetLocked(tempID)
}

func (t *TempIDTable) forgetLocked(tempID string) {
	if e, ok := t.byTemp[tempID]; ok {
		delete(t.byMsg, msgKey(e.messageID, e.conversationID))
		delete(t.byTemp, tempID)
	}
}

func (t *TempIDTable) sweepLocked(now time.Time) {
	for tempID, e := range t.byTemp {
		if now.Sub(e.storedAt) > t.ttl {
			t.forgetLocked(tempID)
		}
	}
}

// Len reports live entries, mainly for stats endpoints.
func (t *TempIDTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byTemp)
}
