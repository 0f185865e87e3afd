package chat

import (
	errs "MChat/tools/errs"
)

// Handler processes one inbound frame kind on behalf of a connection.
type Handler interface {
	Type() FrameType
	Handle(ctx *Context, f *Frame, c *Conn) error
}

// Context hands the server to handlers without package globals.
type Context struct {
	S *Server
}

type Dispatcher struct {
	handlers map[FrameType]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[FrameType]Handler)}
}

func (d *Dispatcher) Register(h Handler) { d.handlers[h.Type()] = h }

func (d *Dispatcher) Dispatch(ctx *Context, f *Frame, c *Conn) error {
	h, ok := d.handlers[f.Type]
	if !ok {
		return errs.New("no handler for frame type=%s", f.Type)
	}
	return h.Handle(ctx, f, c)
}

func (d *Dispatcher) Get(t FrameType) Handler {
	return d.handlers[t]
}
