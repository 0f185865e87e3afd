package msgsync

import (
	"time"
)

// ===== Message =====

type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Confirmed reports whether the status means the server has accepted the
// message, so any lingering send request must not fire again.
func (s MessageStatus) Confirmed() bool {
	return s == StatusSent || s == StatusDelivered || s == StatusRead
}

// Message is one chat message as the client engine sees it.
//
// Invariant: either ID is the server-canonical id and TempID is empty, or
// the message is still optimistic and ID == TempID. Reconciliation swaps
// the record to the canonical id and clears TempID in one store operation.
type Message struct {
	ID             string        `json:"id"`
	TempID         string        `json:"tempId,omitempty"`
	ConversationID string        `json:"conversationId"`
	AuthorID       string        `json:"authorId"`
	Content        string        `json:"content"`
	Status         MessageStatus `json:"status"`
	SequenceNumber int64         `json:"sequenceNumber,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

func (m *Message) Clone() *Message {
	cp := *m
	return &cp
}

// ===== SendRequest =====

type SendRequestStatus string

const (
	RequestPending  SendRequestStatus = "pending"
	RequestInFlight SendRequestStatus = "in_flight"
	RequestFailed   SendRequestStatus = "failed"
)

// SendRequest exists exactly while the associated Message has not been
// confirmed by the transport. Deleted on confirmed success or cleanup.
type SendRequest struct {
	ID           string            `json:"id"`
	MessageID    string            `json:"messageId"`
	Status       SendRequestStatus `json:"status"`
	RetryCount   int               `json:"retryCount"`
	LastSentAt   time.Time         `json:"lastSentAt,omitempty"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

func (r *SendRequest) Clone() *SendRequest {
	cp := *r
	return &cp
}

// ===== Conversation =====

// Conversation carries just enough for local-first listing; the full
// conversation CRUD lives behind the remote Fetcher collaborator.
type Conversation struct {
	ID            string    `json:"id"`
	Title         string    `json:"title,omitempty"`
	LastMessageID string    `json:"lastMessageId,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}
