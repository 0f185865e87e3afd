package chat

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Conn is one live client connection on this gateway node. A user may
// hold several at once (tabs, devices); each keeps its own joined set
// and its own outbound queue drained by a single writer goroutine.
type Conn struct {
	ID     string
	UserID string
	WS     *websocket.Conn
	Send   chan []byte

	mu     sync.Mutex
	joined map[string]struct{}

	unregOnce sync.Once
}

func NewConn(connID string, ws *websocket.Conn, sendQueueSize int) *Conn {
	if sendQueueSize <= 0 {
		sendQueueSize = 256
	}
	return &Conn{
		ID:     connID,
		WS:     ws,
		Send:   make(chan []byte, sendQueueSize),
		joined: make(map[string]struct{}),
	}
}

func (c *Conn) Join(conversationID string) {
	c.mu.Lock()
	c.joined[conversationID] = struct{}{}
	c.mu.Unlock()
}

func (c *Conn) Leave(conversationID string) {
	c.mu.Lock()
	delete(c.joined, conversationID)
	c.mu.Unlock()
}

func (c *Conn) Joined(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.joined[conversationID]
	return ok
}

func (c *Conn) JoinedConversations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.joined))
	for id := range c.joined {
		out = append(out, id)
	}
	return out
}
