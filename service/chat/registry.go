package chat

import (
	"context"
	"time"

	gosync "sync"

	"MChat/logger"
	errs "MChat/tools/errs"
)

// ParticipantSource resolves who belongs to a conversation. Backed by
// the mongo store in production, a stub map in tests.
type ParticipantSource interface {
	GetParticipants(ctx context.Context, conversationID string) ([]string, error)
}

// Registry tracks which users hold which live connections on this node
// and fans server events out to every connection of every authorized
// participant. One instance per gateway, owned lifecycle, passed by
// handle — never package state.
type Registry struct {
	mu     gosync.RWMutex
	byUser map[string]map[string]*Conn // userID -> connID -> conn
	byConn map[string]*Conn

	parts  ParticipantSource
	fan    *Fanout
	tempID *TempIDTable
}

type RegistryConf struct {
	Participants  ParticipantSource
	FanoutWorkers int
	FanoutQueue   int
	TempIDTTL     time.Duration
	Clock         func() time.Time
}

func NewRegistry(conf RegistryConf) *Registry {
	if conf.FanoutWorkers <= 0 {
		conf.FanoutWorkers = 4
	}
	if conf.FanoutQueue <= 0 {
		conf.FanoutQueue = 1024
	}
	return &Registry{
		byUser: make(map[string]map[string]*Conn),
		byConn: make(map[string]*Conn),
		parts:  conf.Participants,
		fan:    NewFanout(conf.FanoutWorkers, conf.FanoutQueue),
		tempID: NewTempIDTable(conf.TempIDTTL, conf.Clock),
	}
}

// Register binds an authenticated connection to its user.
func (r *Registry) Register(userID string, c *Conn) {
	if userID == "" || c == nil {
		return
	}
	c.UserID = userID
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.byUser[userID]
	if m == nil {
		m = make(map[string]*Conn)
		r.byUser[userID] = m
	}
	m[c.ID] = c
	r.byConn[c.ID] = c
}

// Unregister removes the connection; the user's entry disappears with
// its last connection. Safe to call more than once per conn — socket
// error and socket close paths both land here, the conn-scoped Once
// makes the teardown run exactly once.
func (r *Registry) Unregister(userID string, c *Conn) {
	if c == nil {
		return
	}
	c.unregOnce.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if m := r.byUser[userID]; m != nil {
			delete(m, c.ID)
			if len(m) == 0 {
				delete(r.byUser, userID)
			}
		}
		delete(r.byConn, c.ID)
		close(c.Send)
	})
}

// JoinConversation marks membership on every connection the user holds,
// so a user joined from one tab receives fan-out on all of them.
func (r *Registry) JoinConversation(userID, conversationID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.byUser[userID] {
		c.Join(conversationID)
	}
}

func (r *Registry) LeaveConversation(userID, conversationID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.byUser[userID] {
		c.Leave(conversationID)
	}
}

// ConnsOf lists the user's live connections.
func (r *Registry) ConnsOf(userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.byUser[userID]
	if len(m) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}

func (r *Registry) GetConn(connID string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byConn[connID]
}

// Broadcast resolves participants and delivers payload to every
// connection of every participant currently registered. One slow or
// broken connection never blocks the rest; the fan-out pool drops into
// each conn's bounded queue and moves on.
func (r *Registry) Broadcast(ctx context.Context, conversationID string, payload []byte) error {
	users, err := r.parts.GetParticipants(ctx, conversationID)
	if err != nil {
		return errs.WrapMsg(err, "resolve participants %s", conversationID)
	}
	conns := make([]*Conn, 0)
	for _, u := range users {
		conns = append(conns, r.ConnsOf(u)...)
	}
	if len(conns) == 0 {
		return nil
	}
	r.fan.Broadcast(conns, payload)
	return nil
}

// BroadcastMessage is Broadcast plus temp-id attribution: connections
// belonging to the sender get a frame carrying the temp id they used,
// everyone else gets the plain canonical frame.
func (r *Registry) BroadcastMessage(ctx context.Context, conversationID string, msg *WireMessage, senderUserID string) error {
	users, err := r.parts.GetParticipants(ctx, conversationID)
	if err != nil {
		return errs.WrapMsg(err, "resolve participants %s", conversationID)
	}

	tempID, _ := r.tempID.Resolve(msg.ID, conversationID)

	plain, err := EncodeFrame(BuildMessageFrame(msg, ""))
	if err != nil {
		return errs.WrapMsg(err, "encode message frame")
	}
	attributed := plain
	if tempID != "" {
		if attributed, err = EncodeFrame(BuildMessageFrame(msg, tempID)); err != nil {
			return errs.WrapMsg(err, "encode attributed frame")
		}
	}

	var senderConns, otherConns []*Conn
	for _, u := range users {
		for _, c := range r.ConnsOf(u) {
			if u == senderUserID {
				senderConns = append(senderConns, c)
			} else {
				otherConns = append(otherConns, c)
			}
		}
	}
	if len(senderConns) > 0 {
		r.fan.Broadcast(senderConns, attributed)
	}
	if len(otherConns) > 0 {
		r.fan.Broadcast(otherConns, plain)
	}
	return nil
}

// ===== temp-id attribution passthrough =====

func (r *Registry) RememberTempID(tempID, messageID, conversationID string) {
	r.tempID.Remember(tempID, messageID, conversationID)
}

func (r *Registry) ResolveTempID(messageID, conversationID string) (string, bool) {
	return r.tempID.Resolve(messageID, conversationID)
}

func (r *Registry) ForgetTempID(tempID string) {
	r.tempID.Forget(tempID)
}

// Stats counts live users and connections for the admin endpoint.
func (r *Registry) Stats() (users, conns int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser), len(r.byConn)
}

// Close drains the fan-out pool and closes every connection.
func (r *Registry) Close() {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.byConn))
	for _, c := range r.byConn {
		conns = append(conns, c)
	}
	r.byUser = make(map[string]map[string]*Conn)
	r.byConn = make(map[string]*Conn)
	r.mu.Unlock()

	for _, c := range conns {
		if c.WS != nil {
			if err := c.WS.Close(); err != nil {
				logger.Debugf("[registry] close conn %s: %v", c.ID, err)
			}
		}
	}
	r.fan.Close()
}
