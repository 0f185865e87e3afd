package chat

import (
	"encoding/json"
	"time"

	"MChat/logger"
	errs "MChat/tools/errs"
)

// The wire protocol is a closed tagged union, one variant per frame
// kind, decoded into typed payloads. Unknown variants are logged and
// dropped, never fatal: old clients must survive new server frames.

type FrameType string

const (
	// client -> server
	FrameAuth  FrameType = "auth"
	FrameSend  FrameType = "send"
	FrameJoin  FrameType = "join"
	FrameLeave FrameType = "leave"
	FramePing  FrameType = "ping"

	// server -> client
	FrameMessage      FrameType = "message"
	FrameStatusUpdate FrameType = "statusUpdate"
	FrameBuffered     FrameType = "buffered"
	FrameConnected    FrameType = "connected"
	FrameJoined       FrameType = "joinedConversation"
	FrameError        FrameType = "error"
)

// WireMessage is the canonical message as it crosses the socket.
// TempID is only ever set on frames going back to the sender's own
// connections, and only within the attribution TTL.
type WireMessage struct {
	ID             string `json:"id"`
	TempID         string `json:"tempId,omitempty"`
	ConversationID string `json:"conversationId"`
	AuthorID       string `json:"authorId"`
	Content        string `json:"content"`
	Status         string `json:"status"`
	SequenceNumber int64  `json:"sequenceNumber,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
	UpdatedAt      int64  `json:"updatedAt"`
}

type AuthPayload struct {
	Token string `json:"token"`
}

type SendPayload struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	MessageID      string `json:"messageId"` // client temp id, server dedup key
	SequenceNumber int64  `json:"sequenceNumber,omitempty"`
	CreatedAt      int64  `json:"createdAt,omitempty"`
}

type JoinPayload struct {
	ConversationID string `json:"conversationId"`
}

type StatusUpdatePayload struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	UpdatedBy string `json:"updatedBy,omitempty"`
}

type BufferedPayload struct {
	TempID         string `json:"tempId"`
	MessageID      string `json:"messageId"`
	SequenceNumber int64  `json:"sequenceNumber"`
}

type ErrorPayload struct {
	Description string `json:"description"`
}

// Frame is the envelope; exactly the payload matching Type is set.
type Frame struct {
	Type FrameType `json:"type"`
	Ts   int64     `json:"ts,omitempty"`

	Auth         *AuthPayload         `json:"auth,omitempty"`
	Send         *SendPayload         `json:"send,omitempty"`
	Join         *JoinPayload         `json:"join,omitempty"`
	Leave        *JoinPayload         `json:"leave,omitempty"`
	Joined       *JoinPayload         `json:"joined,omitempty"`
	Message      *WireMessage         `json:"message,omitempty"`
	StatusUpdate *StatusUpdatePayload `json:"statusUpdate,omitempty"`
	Buffered     *BufferedPayload     `json:"buffered,omitempty"`
	Error        *ErrorPayload        `json:"error,omitempty"`
}

// DecodeFrame parses one inbound frame. ok=false means the frame is
// undecodable or of an unknown type; callers log-and-continue.
func DecodeFrame(raw []byte) (*Frame, bool) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		sample := raw
		if len(sample) > 256 {
			sample = sample[:256]
		}
		logger.Warnf("[frames] undecodable frame dropped: %v sample=%q", err, sample)
		return nil, false
	}
	switch f.Type {
	case FrameAuth, FrameSend, FrameJoin, FrameLeave, FramePing,
		FrameMessage, FrameStatusUpdate, FrameBuffered,
		FrameConnected, FrameJoined, FrameError:
		return &f, true
	default:
		logger.Warnf("[frames] unknown frame type %q ignored", f.Type)
		return nil, false
	}
}

func EncodeFrame(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, errs.WrapMsg(err, "marshal frame type=%s", f.Type)
	}
	return data, nil
}

// ---- server-side frame builders ----

func BuildMessageFrame(msg *WireMessage, tempID string) *Frame {
	m := *msg
	m.TempID = tempID
	return &Frame{Type: FrameMessage, Ts: time.Now().UnixMilli(), Message: &m}
}

func BuildStatusFrame(messageID, status, updatedBy string) *Frame {
	return &Frame{
		Type: FrameStatusUpdate,
		Ts:   time.Now().UnixMilli(),
		StatusUpdate: &StatusUpdatePayload{
			MessageID: messageID,
			Status:    status,
			UpdatedBy: updatedBy,
		},
	}
}

func BuildBufferedFrame(tempID, messageID string, seq int64) *Frame {
	return &Frame{
		Type: FrameBuffered,
		Ts:   time.Now().UnixMilli(),
		Buffered: &BufferedPayload{
			TempID:         tempID,
			MessageID:      messageID,
			SequenceNumber: seq,
		},
	}
}

func BuildConnectedFrame() *Frame {
	return &Frame{Type: FrameConnected, Ts: time.Now().UnixMilli()}
}

func BuildJoinedFrame(conversationID string) *Frame {
	return &Frame{
		Type:   FrameJoined,
		Ts:     time.Now().UnixMilli(),
		Joined: &JoinPayload{ConversationID: conversationID},
	}
}

func BuildErrorFrame(description string) *Frame {
	return &Frame{
		Type:  FrameError,
		Ts:    time.Now().UnixMilli(),
		Error: &ErrorPayload{Description: description},
	}
}
