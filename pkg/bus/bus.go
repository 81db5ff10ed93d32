// Package bus fans envelopes out to every session subscribed to a
// conversation.
package bus

import (
	"context"
	"errors"
	"slices"
	"sync"

	"go.uber.org/zap"

	"matchtalk/pkg/envelope"
	"matchtalk/pkg/metrics"
)

const DefaultBuffer = 64

var ErrClosed = errors.New("bus closed")

// Handler receives envelopes for one subscription, one at a time, in publish
// order.
type Handler func(envelope.Envelope)

// Bus is the publish/subscribe boundary used by the HTTP surface and push
// sessions. Implementations must be safe for concurrent use.
type Bus interface {
	Publish(ctx context.Context, conversationID string, env envelope.Envelope) error
	Subscribe(conversationID string, h Handler, opts ...SubscribeOption) (unsubscribe func())
}

type SubscribeOption func(*subscriber)

// OnDrop registers fn to run when the bus drops the subscription on its own,
// either because the subscriber fell behind or because the bus shut down. It
// does not run when the subscriber unsubscribes itself.
func OnDrop(fn func()) SubscribeOption {
	return func(s *subscriber) { s.onDrop = fn }
}

type subscriber struct {
	conversationID string
	handler        Handler
	queue          chan envelope.Envelope
	done           chan struct{}
	onDrop         func()
	once           sync.Once
}

// Local is an in-process Bus. Each subscriber owns a bounded queue drained by
// its own goroutine, so a slow handler only ever delays itself.
type Local struct {
	mu     sync.Mutex
	topics map[string][]*subscriber
	closed bool
	buffer int
	log    *zap.Logger
}

func NewLocal(buffer int, log *zap.Logger) *Local {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Local{
		topics: make(map[string][]*subscriber),
		buffer: buffer,
		log:    log.Named("bus"),
	}
}

func (b *Local) Subscribe(conversationID string, h Handler, opts ...SubscribeOption) func() {
	s := &subscriber{
		conversationID: conversationID,
		handler:        h,
		queue:          make(chan envelope.Envelope, b.buffer),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.done)
		if s.onDrop != nil {
			s.onDrop()
		}
		return func() {}
	}
	b.topics[conversationID] = append(b.topics[conversationID], s)
	b.mu.Unlock()

	go b.drain(s)
	return func() { b.remove(s, false) }
}

// Publish enqueues env for every current subscriber of conversationID. It
// never blocks on a subscriber; one whose queue is full is dropped.
// Publishes are serialized so all subscribers observe the same order.
func (b *Local) Publish(ctx context.Context, conversationID string, env envelope.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var lagging []*subscriber
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	for _, s := range b.topics[conversationID] {
		select {
		case s.queue <- env:
		default:
			lagging = append(lagging, s)
		}
	}
	b.mu.Unlock()

	metrics.EnvelopesPublished.WithLabelValues(string(env.Type)).Inc()
	for _, s := range lagging {
		b.log.Warn("dropping slow subscriber",
			zap.String("conversation_id", conversationID),
			zap.Int("buffer", b.buffer))
		metrics.SubscribersEvicted.Inc()
		b.remove(s, true)
	}
	return nil
}

// Subscribers returns the number of live subscriptions for conversationID.
func (b *Local) Subscribers(conversationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[conversationID])
}

// Close drops every subscription and rejects further publishes.
func (b *Local) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*subscriber
	for _, subs := range b.topics {
		all = append(all, subs...)
	}
	b.mu.Unlock()

	for _, s := range all {
		b.remove(s, true)
	}
}

func (b *Local) remove(s *subscriber, dropped bool) {
	s.once.Do(func() {
		b.mu.Lock()
		subs := b.topics[s.conversationID]
		for i, c := range subs {
			if c == s {
				b.topics[s.conversationID] = slices.Delete(subs, i, i+1)
				break
			}
		}
		if len(b.topics[s.conversationID]) == 0 {
			delete(b.topics, s.conversationID)
		}
		b.mu.Unlock()

		close(s.done)
		if dropped && s.onDrop != nil {
			s.onDrop()
		}
	})
}

func (b *Local) drain(s *subscriber) {
	for {
		select {
		case <-s.done:
			return
		case env := <-s.queue:
			select {
			case <-s.done:
				return
			default:
			}
			b.deliver(s, env)
		}
	}
}

func (b *Local) deliver(s *subscriber, env envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("subscriber panicked",
				zap.String("conversation_id", s.conversationID),
				zap.String("type", string(env.Type)),
				zap.Any("panic", r))
		}
	}()
	s.handler(env)
}
