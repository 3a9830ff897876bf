package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rendis/durable/internal/streaming"
	"github.com/rendis/durable/pkg/schema"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	wsBufferSize   = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  wsBufferSize,
	WriteBufferSize: wsBufferSize,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// client streams hub events matching its filter to one websocket.
type client struct {
	conn   *websocket.Conn
	events <-chan streaming.StreamEvent
	cancel context.CancelFunc
	logger *slog.Logger

	once sync.Once
}

// handleWebSocket upgrades the request and streams events. Query parameters
// execution_id and types (comma separated) narrow the stream.
func (s *Server) handleWebSocket(c *gin.Context) {
	if s.hub == nil {
		s.fail(c, schema.NewError(schema.ErrCodeNotFound, "event streaming is disabled"))
		return
	}

	filter := streaming.EventFilter{ExecutionID: c.Query("execution_id")}
	if types := c.Query("types"); types != "" {
		filter.EventTypes = strings.Split(types, ",")
	}

	ctx, cancel := context.WithCancel(context.Background())
	events, unsubscribe, err := s.hub.Subscribe(ctx, filter)
	if err != nil {
		cancel()
		s.fail(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		unsubscribe()
		cancel()
		s.logger.Error("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	cl := &client{
		conn:   conn,
		events: events,
		logger: s.logger,
		cancel: func() {
			unsubscribe()
			cancel()
		},
	}
	s.register(cl)
	go func() {
		defer s.unregister(cl)
		cl.run()
	}()
}

func (c *client) run() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	closed := make(chan struct{})
	go c.readLoop(closed)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-c.events:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.logger.Debug("websocket write failed", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop drains client frames so pongs and close frames are processed.
func (c *client) readLoop(closed chan<- struct{}) {
	defer close(closed)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) close() {
	c.once.Do(func() {
		c.cancel()
		_ = c.conn.Close()
	})
}
