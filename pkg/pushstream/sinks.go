package pushstream

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// SSESink writes envelopes as server-sent events.
type SSESink struct {
	w gin.ResponseWriter
}

func NewSSESink(c *gin.Context) *SSESink {
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	return &SSESink{w: c.Writer}
}

func (s *SSESink) Send(frame []byte) error {
	if err := sse.Encode(s.w, sse.Event{Event: "message", Data: string(frame)}); err != nil {
		return err
	}
	s.w.Flush()
	return nil
}

// Heartbeat writes an SSE comment line, which clients ignore.
func (s *SSESink) Heartbeat() error {
	if _, err := io.WriteString(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.w.Flush()
	return nil
}

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
)

var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// streams are authorized by bearer token, not by cookie
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSSink writes envelopes as WebSocket text frames.
type WSSink struct {
	conn *websocket.Conn
}

func NewWSSink(conn *websocket.Conn) *WSSink {
	return &WSSink{conn: conn}
}

func (s *WSSink) Send(frame []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *WSSink) Heartbeat() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// ReadPump consumes inbound frames so control frames are processed and calls
// cancel once the peer goes away. The stream is one-way; data frames from
// the client are discarded.
func ReadPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
