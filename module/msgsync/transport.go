package msgsync

import (
	"context"
	"encoding/json"

	"MChat/logger"
)

// ===== inbound transport events =====

// TransportEventType is the closed set of server-to-client variants.
// The decoder keeps an explicit default arm: unknown variants are
// logged and ignored, never fatal.
type TransportEventType string

const (
	TransportMessage      TransportEventType = "message"
	TransportStatusUpdate TransportEventType = "statusUpdate"
	TransportBuffered     TransportEventType = "buffered"
	TransportConnected    TransportEventType = "connected"
	TransportJoined       TransportEventType = "joinedConversation"
	TransportError        TransportEventType = "error"
)

type BufferedPayload struct {
	TempID         string `json:"tempId"`
	MessageID      string `json:"messageId"`
	SequenceNumber int64  `json:"sequenceNumber"`
}

type JoinedPayload struct {
	ConversationID string `json:"conversationId"`
}

type ErrorPayload struct {
	Description string `json:"description"`
}

// TransportEvent is the tagged union; exactly the field matching Type
// is populated.
type TransportEvent struct {
	Type         TransportEventType   `json:"type"`
	Message      *Message             `json:"message,omitempty"`
	StatusUpdate *StatusUpdatePayload `json:"statusUpdate,omitempty"`
	Buffered     *BufferedPayload     `json:"buffered,omitempty"`
	Joined       *JoinedPayload       `json:"joined,omitempty"`
	Error        *ErrorPayload        `json:"error,omitempty"`
}

// DecodeTransportEvent parses a raw inbound frame. ok=false means the
// variant is unknown and the caller should no-op.
func DecodeTransportEvent(raw []byte) (*TransportEvent, bool) {
	var ev TransportEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		logger.Warnf("[transport] drop undecodable event: %v", err)
		return nil, false
	}
	switch ev.Type {
	case TransportMessage, TransportStatusUpdate, TransportBuffered,
		TransportConnected, TransportJoined, TransportError:
		return &ev, true
	default:
		logger.Warnf("[transport] unknown event type %q ignored", ev.Type)
		return nil, false
	}
}

// Fetcher is the remote read collaborator behind local-first loads.
type Fetcher interface {
	FetchConversations(ctx context.Context) ([]*Conversation, error)
	FetchMessages(ctx context.Context, conversationID string, limit int, beforeID string) ([]*Message, error)
}
