package relay

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"MChat/logger"
	errs "MChat/tools/errs"
)

const (
	subjectPrefix = "chat.broadcast."
	headerMsgID   = "X-Msg-Id"
	headerNode    = "X-Node-Id"

	dedupPruneAt = 4096
)

// dedupWindow remembers recently relayed message ids so redelivery from
// overlapping subscriptions is absorbed. Expired entries are pruned
// lazily once the map grows past the mark; no sweeper goroutine.
type dedupWindow struct {
	mu    sync.Mutex
	exp   map[string]time.Time
	ttl   time.Duration
	clock func() time.Time
}

func newDedupWindow(ttl time.Duration) *dedupWindow {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &dedupWindow{exp: make(map[string]time.Time), ttl: ttl, clock: time.Now}
}

// seen records id and reports whether it was already live.
func (w *dedupWindow) seen(id string) bool {
	now := w.clock()
	w.mu.Lock()
	defer w.mu.Unlock()
	if exp, ok := w.exp[id]; ok && exp.After(now) {
		return true
	}
	if len(w.exp) > dedupPruneAt {
		for k, exp := range w.exp {
			if !exp.After(now) {
				delete(w.exp, k)
			}
		}
	}
	w.exp[id] = now.Add(w.ttl)
	return false
}

// Relay carries encoded broadcast frames between gateway nodes over
// NATS core subjects, one subject per conversation. Frames published
// by this node are skipped on receipt, and the idempotency window
// absorbs redelivery from overlapping subscriptions.
type Relay struct {
	nc     *nats.Conn
	nodeID string
	dedup  *dedupWindow
	sub    *nats.Subscription
}

type Conf struct {
	Servers []string
	Name    string
	NodeID  string
	IdemTTL time.Duration
}

// FrameSink receives frames published by sibling nodes.
type FrameSink func(conversationID string, frame []byte)

func New(conf Conf) (*Relay, error) {
	if len(conf.Servers) == 0 {
		return nil, errs.New("nats servers missing")
	}
	nc, err := nats.Connect(
		conf.Servers[0],
		nats.Name(conf.Name),
		nats.ReconnectWait(500*time.Millisecond),
		nats.MaxReconnects(-1),
		nats.Timeout(3*time.Second),
	)
	if err != nil {
		return nil, errs.WrapMsg(err, "connect nats %v", conf.Servers)
	}
	return &Relay{
		nc:     nc,
		nodeID: conf.NodeID,
		dedup:  newDedupWindow(conf.IdemTTL),
	}, nil
}

// PublishMessage ships one frame to every sibling node subscribed to
// the conversation.
func (r *Relay) PublishMessage(ctx context.Context, conversationID string, frame []byte, msgID string) error {
	m := nats.NewMsg(subjectPrefix + conversationID)
	m.Data = frame
	m.Header.Set(headerMsgID, msgID)
	m.Header.Set(headerNode, r.nodeID)
	if err := r.nc.PublishMsg(m); err != nil {
		return errs.WrapMsg(err, "relay publish conv=%s", conversationID)
	}
	return nil
}

// Subscribe starts receiving frames from sibling nodes. sink runs on
// the NATS callback goroutine; it must hand off quickly.
func (r *Relay) Subscribe(sink FrameSink) error {
	sub, err := r.nc.Subscribe(subjectPrefix+">", func(m *nats.Msg) {
		r.handleInbound(m, sink)
	})
	if err != nil {
		return errs.WrapMsg(err, "subscribe %s>", subjectPrefix)
	}
	r.sub = sub
	return nil
}

// handleInbound filters one relayed message: our own publishes and
// already-seen ids are dropped before the sink runs.
func (r *Relay) handleInbound(m *nats.Msg, sink FrameSink) {
	if m.Header.Get(headerNode) == r.nodeID {
		return // our own publish echoed back
	}
	msgID := m.Header.Get(headerMsgID)
	if msgID != "" && r.dedup.seen(msgID) {
		logger.Debugf("[relay] duplicate %s dropped", msgID)
		return
	}
	sink(m.Subject[len(subjectPrefix):], m.Data)
}

func (r *Relay) Close() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	if r.nc != nil {
		r.nc.Close()
	}
}
