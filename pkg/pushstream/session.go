// Package pushstream serves one conversation's bus events to one client
// connection.
package pushstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"matchtalk/pkg/bus"
	"matchtalk/pkg/envelope"
	"matchtalk/pkg/metrics"
)

const (
	DefaultHeartbeat = 25 * time.Second
	defaultBacklog   = 16
)

// ErrDropped is returned by Run when the bus gave up on a session that could
// not keep up. The client is expected to reconnect and refetch history.
var ErrDropped = errors.New("session dropped by bus")

// Sink is the outbound side of a transport. Calls are never concurrent.
type Sink interface {
	Send(frame []byte) error
	Heartbeat() error
}

type Config struct {
	Heartbeat time.Duration
	Backlog   int
	Transport string
}

// Session subscribes one connection to one conversation for its lifetime.
type Session struct {
	bus            bus.Bus
	conversationID string
	userID         string
	sink           Sink
	cfg            Config
	log            *zap.Logger
}

func NewSession(b bus.Bus, conversationID, userID string, sink Sink, cfg Config, log *zap.Logger) *Session {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = defaultBacklog
	}
	if cfg.Transport == "" {
		cfg.Transport = "unknown"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		bus:            b,
		conversationID: conversationID,
		userID:         userID,
		sink:           sink,
		cfg:            cfg,
		log: log.Named("pushstream").With(
			zap.String("conversation_id", conversationID),
			zap.String("user_id", userID),
			zap.String("transport", cfg.Transport)),
	}
}

// Run streams envelopes until ctx is cancelled (the transport closed), the
// sink fails, or the bus drops the session. The bus subscription is always
// released before Run returns.
func (s *Session) Run(ctx context.Context) error {
	events := make(chan envelope.Envelope, s.cfg.Backlog)
	stop := make(chan struct{})
	dropped := make(chan struct{})
	var dropOnce sync.Once

	unsubscribe := s.bus.Subscribe(s.conversationID, func(env envelope.Envelope) {
		select {
		case events <- env:
		case <-stop:
		}
	}, bus.OnDrop(func() { dropOnce.Do(func() { close(dropped) }) }))
	defer func() {
		close(stop)
		unsubscribe()
	}()

	metrics.OpenSessions.WithLabelValues(s.cfg.Transport).Inc()
	defer metrics.OpenSessions.WithLabelValues(s.cfg.Transport).Dec()
	s.log.Debug("session opened")

	if err := s.sink.Heartbeat(); err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Debug("session closed by client")
			return nil
		case <-dropped:
			return ErrDropped
		case env := <-events:
			frame, err := envelope.Encode(env)
			if err != nil {
				s.log.Warn("skipping unencodable envelope", zap.Error(err))
				continue
			}
			if err := s.sink.Send(frame); err != nil {
				return fmt.Errorf("write envelope: %w", err)
			}
			s.acknowledge(ctx, env)
		case <-ticker.C:
			if err := s.sink.Heartbeat(); err != nil {
				return fmt.Errorf("write heartbeat: %w", err)
			}
			metrics.Heartbeats.Inc()
		}
	}
}

// acknowledge publishes message_delivered once a message addressed to this
// session's user has been written to the wire.
func (s *Session) acknowledge(ctx context.Context, env envelope.Envelope) {
	if env.Type != envelope.MessageSent || s.userID == "" {
		return
	}
	m, err := envelope.MessageOf(env)
	if err != nil || m.ToUserID != s.userID {
		return
	}
	ack, err := envelope.New(envelope.MessageDelivered, s.conversationID, s.userID, time.Now(), envelope.Delivery{MessageID: m.ID})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, s.conversationID, ack); err != nil && ctx.Err() == nil {
		s.log.Warn("publish delivery ack failed", zap.String("message_id", m.ID), zap.Error(err))
	}
}
