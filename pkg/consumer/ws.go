package consumer

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"matchtalk/pkg/apperr"
)

// WSTransport opens GET /conversations/{id}/ws.
type WSTransport struct {
	BaseURL     string
	Token       string
	Dialer      *websocket.Dialer
	IdleTimeout time.Duration
}

func (t *WSTransport) streamURL(conversationID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(t.BaseURL, "/") + "/conversations/" + url.PathEscape(conversationID) + "/ws")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

func (t *WSTransport) Open(ctx context.Context, conversationID string) (Stream, error) {
	target, err := t.streamURL(conversationID)
	if err != nil {
		return nil, apperr.Validation("build stream url: %v", err)
	}
	header := http.Header{}
	if t.Token != "" {
		header.Set("Authorization", "Bearer "+t.Token)
	}

	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, apperr.FromResponse(resp, "stream rejected")
		}
		return nil, apperr.Transient("dial websocket", err)
	}

	idle := t.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	s := &wsStream{conn: conn, idle: idle}
	conn.SetReadDeadline(time.Now().Add(idle))
	// the server's pings are the heartbeat
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(idle))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return s, nil
}

type wsStream struct {
	conn *websocket.Conn
	idle time.Duration
	once sync.Once
}

func (s *wsStream) Next(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		s.conn.SetReadDeadline(time.Now().Add(s.idle))
		if kind == websocket.TextMessage {
			return data, nil
		}
	}
}

func (s *wsStream) Close() error {
	var err error
	s.once.Do(func() {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
