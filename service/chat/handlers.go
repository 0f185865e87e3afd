package chat

import (
	"context"
	"time"

	"MChat/logger"
	errs "MChat/tools/errs"
	ids "MChat/tools/ids"
)

// ===== auth =====

// authHandler is the only handler legal on an unauthenticated conn.
// Verify fails => error frame and the read loop ends the connection.
type authHandler struct{}

func (authHandler) Type() FrameType { return FrameAuth }

func (authHandler) Handle(ctx *Context, f *Frame, c *Conn) error {
	if c.UserID != "" {
		return nil // already authenticated, replayed auth is a no-op
	}
	if f.Auth == nil || f.Auth.Token == "" {
		return errs.New("auth frame without token")
	}
	userID, err := ctx.S.verifier.Verify(f.Auth.Token)
	if err != nil {
		return errs.WrapMsg(err, "token rejected")
	}

	ctx.S.reg.Register(userID, c)
	// Authenticated conns keep the socket open indefinitely; pings
	// refresh the deadline from here on.
	_ = c.WS.SetReadDeadline(time.Time{})

	if ctx.S.presence != nil {
		if err := ctx.S.presence.Online(userID); err != nil {
			logger.Warnf("[gateway] presence online %s: %v", userID, err)
		}
	}

	ctx.S.sendFrame(c, BuildConnectedFrame())
	logger.Infof("[gateway] conn=%s authenticated user=%s", c.ID, userID)
	return nil
}

// ===== send =====

// sendHandler accepts a client message: assign the canonical identity,
// persist idempotently, remember the temp id for attribution, ack the
// sender, then fan out locally and to sibling nodes.
type sendHandler struct{}

func (sendHandler) Type() FrameType { return FrameSend }

func (sendHandler) Handle(ctx *Context, f *Frame, c *Conn) error {
	p := f.Send
	if p == nil || p.ConversationID == "" || p.MessageID == "" {
		return errs.New("send frame missing conversationId or messageId")
	}

	reqCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	seq := p.SequenceNumber
	if seq <= 0 {
		var err error
		if seq, err = ctx.S.store.NextSeq(reqCtx, p.ConversationID); err != nil {
			return errs.WrapMsg(err, "allocate sequence %s", p.ConversationID)
		}
	}

	now := time.Now().UnixMilli()
	createdAt := p.CreatedAt
	if createdAt <= 0 {
		createdAt = now
	}
	msg := &WireMessage{
		ID:             ids.GenerateString(),
		ConversationID: p.ConversationID,
		AuthorID:       c.UserID,
		Content:        p.Content,
		Status:         "sent",
		SequenceNumber: seq,
		CreatedAt:      createdAt,
		UpdatedAt:      now,
	}

	stored, duplicate, err := ctx.S.store.SaveMessage(reqCtx, msg, p.MessageID)
	if err != nil {
		return errs.WrapMsg(err, "persist message conv=%s", p.ConversationID)
	}
	msg = stored

	ctx.S.reg.RememberTempID(p.MessageID, msg.ID, msg.ConversationID)

	// The buffered ack gives the sender the canonical identity even if
	// the broadcast below never reaches it.
	ctx.S.sendFrame(c, BuildBufferedFrame(p.MessageID, msg.ID, msg.SequenceNumber))

	if duplicate {
		logger.Infof("[gateway] duplicate send %s -> %s, replaying ack only", p.MessageID, msg.ID)
		return nil
	}

	if err := ctx.S.reg.BroadcastMessage(reqCtx, msg.ConversationID, msg, c.UserID); err != nil {
		logger.Warnf("[gateway] broadcast conv=%s msg=%s: %v", msg.ConversationID, msg.ID, err)
	}

	if ctx.S.archiver != nil {
		ctx.S.archiver.Archive(msg)
	}
	if ctx.S.relay != nil {
		plain, encErr := EncodeFrame(BuildMessageFrame(msg, ""))
		if encErr == nil {
			if err := ctx.S.relay.PublishMessage(reqCtx, msg.ConversationID, plain, msg.ID); err != nil {
				logger.Warnf("[gateway] relay conv=%s msg=%s: %v", msg.ConversationID, msg.ID, err)
			}
		}
	}
	return nil
}

// ===== join / leave =====

type joinHandler struct{}

func (joinHandler) Type() FrameType { return FrameJoin }

func (joinHandler) Handle(ctx *Context, f *Frame, c *Conn) error {
	if f.Join == nil || f.Join.ConversationID == "" {
		return errs.New("join frame missing conversationId")
	}
	ctx.S.reg.JoinConversation(c.UserID, f.Join.ConversationID)
	ctx.S.sendFrame(c, BuildJoinedFrame(f.Join.ConversationID))
	return nil
}

type leaveHandler struct{}

func (leaveHandler) Type() FrameType { return FrameLeave }

func (leaveHandler) Handle(ctx *Context, f *Frame, c *Conn) error {
	if f.Leave == nil || f.Leave.ConversationID == "" {
		return errs.New("leave frame missing conversationId")
	}
	ctx.S.reg.LeaveConversation(c.UserID, f.Leave.ConversationID)
	return nil
}

// ===== ping =====

type pingHandler struct{}

func (pingHandler) Type() FrameType { return FramePing }

func (pingHandler) Handle(ctx *Context, f *Frame, c *Conn) error {
	_ = c.WS.SetReadDeadline(time.Time{})
	return nil
}

// ===== status updates (delivery / read receipts) =====

type statusHandler struct{}

func (statusHandler) Type() FrameType { return FrameStatusUpdate }

func (statusHandler) Handle(ctx *Context, f *Frame, c *Conn) error {
	p := f.StatusUpdate
	if p == nil || p.MessageID == "" || p.Status == "" {
		return errs.New("statusUpdate frame missing messageId or status")
	}

	reqCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := ctx.S.store.UpdateStatus(reqCtx, p.MessageID, p.Status); err != nil {
		return errs.WrapMsg(err, "update status msg=%s", p.MessageID)
	}

	frame, err := EncodeFrame(BuildStatusFrame(p.MessageID, p.Status, c.UserID))
	if err != nil {
		return err
	}
	// Receipts go to everyone in the conversation the receipt names;
	// without a conversation id on the payload we fall back to every
	// conversation this connection is in.
	for _, convID := range c.JoinedConversations() {
		if err := ctx.S.reg.Broadcast(reqCtx, convID, frame); err != nil {
			logger.Warnf("[gateway] status broadcast conv=%s: %v", convID, err)
		}
	}
	return nil
}
