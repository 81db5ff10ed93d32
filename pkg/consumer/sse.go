package consumer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"matchtalk/pkg/apperr"
)

// DefaultIdleTimeout is how long a stream may stay silent, heartbeats
// included, before it is treated as dead.
const DefaultIdleTimeout = 75 * time.Second

const maxFrameSize = 1 << 20

// SSETransport opens GET /conversations/{id}/events.
type SSETransport struct {
	BaseURL     string
	Token       string
	Client      *http.Client
	IdleTimeout time.Duration
}

func (t *SSETransport) Open(ctx context.Context, conversationID string) (Stream, error) {
	u := strings.TrimRight(t.BaseURL, "/") + "/conversations/" + url.PathEscape(conversationID) + "/events"

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, u, nil)
	if err != nil {
		cancel()
		return nil, apperr.Validation("build stream request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if t.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.Token)
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, apperr.Transient("open event stream", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		defer cancel()
		return nil, apperr.FromResponse(resp, "stream rejected")
	}

	idle := t.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	s := &sseStream{
		body:   resp.Body,
		cancel: cancel,
		frames: make(chan []byte),
		errc:   make(chan error, 1),
		idle:   idle,
		alive:  make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	go s.read()
	return s, nil
}

type sseStream struct {
	body   io.ReadCloser
	cancel context.CancelFunc
	frames chan []byte
	errc   chan error
	idle   time.Duration
	// alive receives a token for every line, heartbeats included.
	alive  chan struct{}
	closed chan struct{}
	once   sync.Once
}

// read splits the body into events. Only data lines matter; comments and
// other fields are heartbeats.
func (s *sseStream) read() {
	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	var data bytes.Buffer
	for scanner.Scan() {
		select {
		case s.alive <- struct{}{}:
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			if data.Len() > 0 {
				frame := bytes.Clone(data.Bytes())
				data.Reset()
				select {
				case s.frames <- frame:
				case <-s.closed:
					return
				}
			}
			continue
		}
		if line[0] == ':' {
			continue
		}
		field, value, _ := bytes.Cut(line, []byte(":"))
		if string(field) != "data" {
			continue
		}
		value = bytes.TrimPrefix(value, []byte(" "))
		if data.Len() > 0 {
			data.WriteByte('\n')
		}
		data.Write(value)
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	s.errc <- err
}

func (s *sseStream) Next(ctx context.Context) ([]byte, error) {
	timer := time.NewTimer(s.idle)
	defer timer.Stop()
	for {
		select {
		case frame := <-s.frames:
			return frame, nil
		case err := <-s.errc:
			return nil, err
		case <-s.alive:
			timer.Reset(s.idle)
		case <-timer.C:
			return nil, apperr.Stream("event stream idle", errors.New("no heartbeat"))
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *sseStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		s.cancel()
		err = s.body.Close()
	})
	return err
}
