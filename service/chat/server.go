package chat

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"MChat/logger"
	ids "MChat/tools/ids"
	safe "MChat/tools/safe"
)

// MessageStore persists accepted messages. SaveMessage is idempotent on
// clientMsgID: a replay returns the already stored message with
// duplicate=true instead of inserting twice.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *WireMessage, clientMsgID string) (stored *WireMessage, duplicate bool, err error)
	NextSeq(ctx context.Context, conversationID string) (int64, error)
	UpdateStatus(ctx context.Context, messageID, status string) error
}

// TokenVerifier authenticates the connection token from the auth frame.
type TokenVerifier interface {
	Verify(token string) (userID string, err error)
}

// Archiver ships accepted messages to the archival pipeline. Fire and
// forget; it must never block the gateway hot path.
type Archiver interface {
	Archive(msg *WireMessage)
}

// Relay ships broadcast frames to sibling gateway nodes.
type Relay interface {
	PublishMessage(ctx context.Context, conversationID string, frame []byte, msgID string) error
}

// Presence maintains the user's online marker in redis.
type Presence interface {
	Online(userID string) error
	Offline(userID string) error
}

type ServerConf struct {
	GatewayID     string
	AuthTimeout   time.Duration // how long an unauthenticated conn may live
	WriteDeadline time.Duration
	SendQueueSize int
}

func (c *ServerConf) norm() {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 30 * time.Second
	}
	if c.WriteDeadline <= 0 {
		c.WriteDeadline = 5 * time.Second
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
}

// Server is the websocket gateway. A connection walks
// unauthenticated -> authenticated(registered) -> closed(unregistered);
// auth failure closes the socket without ever registering it.
type Server struct {
	conf ServerConf

	reg      *Registry
	disp     *Dispatcher
	store    MessageStore
	verifier TokenVerifier
	archiver Archiver
	relay    Relay
	presence Presence

	upgrader websocket.Upgrader
}

type ServerDeps struct {
	Registry *Registry
	Store    MessageStore
	Verifier TokenVerifier
	Archiver Archiver // optional
	Relay    Relay    // optional
	Presence Presence // optional
}

func NewServer(conf ServerConf, deps ServerDeps) *Server {
	conf.norm()
	s := &Server{
		conf:     conf,
		reg:      deps.Registry,
		disp:     NewDispatcher(),
		store:    deps.Store,
		verifier: deps.Verifier,
		archiver: deps.Archiver,
		relay:    deps.Relay,
		presence: deps.Presence,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.registerHandlers()
	return s
}

func (s *Server) registerHandlers() {
	s.disp.Register(&authHandler{})
	s.disp.Register(&sendHandler{})
	s.disp.Register(&joinHandler{})
	s.disp.Register(&leaveHandler{})
	s.disp.Register(&pingHandler{})
	s.disp.Register(&statusHandler{})
}

func (s *Server) Registry() *Registry { return s.reg }

// Mount registers the gateway routes on a gin engine.
func (s *Server) Mount(r *gin.Engine) {
	r.GET("/ws", s.HandleWS)
	r.GET("/stats", s.handleStats)
}

func (s *Server) handleStats(c *gin.Context) {
	users, conns := s.reg.Stats()
	c.JSON(http.StatusOK, gin.H{
		"gatewayId": s.conf.GatewayID,
		"users":     users,
		"conns":     conns,
		"tempIds":   s.reg.tempID.Len(),
	})
}

// HandleWS upgrades the request and runs the connection to completion.
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[gateway] upgrade failed: %v", err)
		return
	}

	conn := NewConn(ids.GenerateString(), ws, s.conf.SendQueueSize)
	safe.SafeGo(func() { s.writePump(conn) })

	// Unauthenticated connections must present an auth frame before the
	// deadline or get cut loose.
	_ = ws.SetReadDeadline(time.Now().Add(s.conf.AuthTimeout))

	s.readLoop(conn)
}

// writePump is the single writer for one connection. gorilla conns do
// not allow concurrent writes; everything funnels through Send.
func (s *Server) writePump(c *Conn) {
	for data := range c.Send {
		_ = c.WS.SetWriteDeadline(time.Now().Add(s.conf.WriteDeadline))
		if err := c.WS.WriteMessage(websocket.TextMessage, data); err != nil {
			logger.Infof("[gateway] write failed conn=%s user=%s: %v", c.ID, c.UserID, err)
			s.teardown(c)
			// Keep draining so fan-out never blocks on a dead conn.
		}
	}
	_ = c.WS.Close()
}

func (s *Server) readLoop(c *Conn) {
	defer s.teardown(c)

	for {
		mt, data, err := c.WS.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[gateway] peer closed conn=%s user=%s", c.ID, c.UserID)
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				logger.Infof("[gateway] read timeout conn=%s user=%s", c.ID, c.UserID)
			} else {
				logger.Infof("[gateway] read error conn=%s: %v", c.ID, err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		frame, ok := DecodeFrame(data)
		if !ok {
			continue
		}

		// Everything except auth requires an authenticated connection.
		if c.UserID == "" && frame.Type != FrameAuth {
			s.sendFrame(c, BuildErrorFrame("authentication required"))
			return
		}

		if err := s.disp.Dispatch(&Context{S: s}, frame, c); err != nil {
			logger.Warnf("[gateway] handle %s conn=%s: %v", frame.Type, c.ID, err)
			s.sendFrame(c, BuildErrorFrame(err.Error()))
			// A failed auth attempt ends the connection; it never
			// registers and gets no second try.
			if frame.Type == FrameAuth && c.UserID == "" {
				return
			}
		}
	}
}

// teardown unregisters exactly once, whether we got here from a read
// error, a write error, or a normal close.
func (s *Server) teardown(c *Conn) {
	user := c.UserID
	s.reg.Unregister(user, c)
	if user != "" && s.presence != nil {
		if err := s.presence.Offline(user); err != nil {
			logger.Warnf("[gateway] presence offline %s: %v", user, err)
		}
	}
}

// sendFrame queues one frame on one connection, best effort.
func (s *Server) sendFrame(c *Conn, f *Frame) {
	data, err := EncodeFrame(f)
	if err != nil {
		logger.Errorf("[gateway] encode %s: %v", f.Type, err)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Debugf("[gateway] frame to closed conn %s dropped", c.ID)
		}
	}()
	select {
	case c.Send <- data:
	default:
		logger.Warnf("[gateway] send queue full conn=%s, %s frame dropped", c.ID, f.Type)
	}
}
