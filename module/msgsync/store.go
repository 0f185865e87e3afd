package msgsync

import (
	"context"
)

// Store is the durable keyed storage the engine runs against. Every
// mutation is an upsert keyed by canonical or temp id so that duplicate
// or out-of-order application is safe; the sequence counter is the one
// true atomic read-modify-write.
//
// Lookups return (nil, nil) when the record is absent.
type Store interface {
	UpsertMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	GetMessageByTempID(ctx context.Context, tempID string) (*Message, error)
	DeleteMessage(ctx context.Context, id string) error
	// ReplaceMessage deletes the record under oldID and inserts m under
	// its canonical id as one atomic operation. Reconciliation only.
	ReplaceMessage(ctx context.Context, oldID string, m *Message) error
	ListMessages(ctx context.Context, conversationID string, limit int, beforeID string) ([]*Message, error)
	ListMessagesByStatus(ctx context.Context, status MessageStatus) ([]*Message, error)

	UpsertSendRequest(ctx context.Context, r *SendRequest) error
	GetSendRequest(ctx context.Context, id string) (*SendRequest, error)
	GetSendRequestByMessageID(ctx context.Context, messageID string) (*SendRequest, error)
	DeleteSendRequest(ctx context.Context, id string) error
	DeleteSendRequestByMessageID(ctx context.Context, messageID string) error
	ListSendRequestsByStatus(ctx context.Context, statuses ...SendRequestStatus) ([]*SendRequest, error)

	// NextSequence hands out strictly increasing, gap-free integers per
	// (conversation, author) pair, starting at 1. Must serialize
	// concurrent callers on the same key; different keys do not block
	// each other. Storage errors surface as-is, no internal retry.
	NextSequence(ctx context.Context, conversationID, authorID string) (int64, error)

	UpsertConversation(ctx context.Context, c *Conversation) error
	ListConversations(ctx context.Context) ([]*Conversation, error)
}
