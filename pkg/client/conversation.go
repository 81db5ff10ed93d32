package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"matchtalk/pkg/apperr"
	"matchtalk/pkg/chat"
	"matchtalk/pkg/consumer"
	"matchtalk/pkg/conversation"
	"matchtalk/pkg/delivery"
	"matchtalk/pkg/envelope"
	"matchtalk/pkg/message"
	"matchtalk/pkg/presence"
	"matchtalk/pkg/timeline"
)

// DefaultTypingTTL hides a peer's typing indicator when no typing_stop
// arrives.
const DefaultTypingTTL = 6 * time.Second

var ErrClosed = errors.New("conversation closed")

type UpdateKind string

const (
	UpdateState    UpdateKind = "state"
	UpdateMessages UpdateKind = "messages"
	UpdateTyping   UpdateKind = "typing"
	UpdateRead     UpdateKind = "read"
)

// Update tells a view what to re-render. Updates are coalesced: when the
// buffer is full new ones are dropped, so a view should re-read state rather
// than count updates.
type Update struct {
	Kind    UpdateKind
	State   consumer.State
	Attempt int
	Delay   time.Duration
	Err     error
}

type ConversationOptions struct {
	ConversationID string
	// UserID is the local user. The peer is derived from the conversation id.
	UserID string
	// Transport defaults to the API client's SSE transport.
	Transport     consumer.Transport
	MaxReconnects int
	BaseDelay     time.Duration
	Delivery      delivery.Options
	// TypingTTL of zero uses DefaultTypingTTL; negative disables expiry.
	TypingTTL time.Duration
	Log       *zap.Logger
}

// Conversation owns everything one open thread needs: the stream consumer,
// the timeline, the presence tracker and the delivery pipeline. Close
// releases all of it.
type Conversation struct {
	id     string
	userID string
	peerID string
	api    *APIClient
	log    *zap.Logger

	timeline *timeline.Timeline
	presence *presence.Tracker
	pipeline *delivery.Pipeline
	consumer *consumer.Consumer

	updates   chan Update
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu     sync.RWMutex
	closed bool
}

// Open validates the conversation, starts the stream and loads the latest
// page. The stream is started first so nothing published during the fetch
// is missed.
func Open(ctx context.Context, api *APIClient, opts ConversationOptions) (*Conversation, error) {
	if err := conversation.Validate(opts.ConversationID); err != nil {
		return nil, err
	}
	peerID, ok := conversation.Peer(opts.ConversationID, opts.UserID)
	if !ok {
		return nil, apperr.Forbidden("not a participant of this conversation")
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("conversation").With(zap.String("conversation_id", opts.ConversationID))

	c := &Conversation{
		id:      opts.ConversationID,
		userID:  opts.UserID,
		peerID:  peerID,
		api:     api,
		log:     log,
		updates: make(chan Update, 64),
	}

	dopts := opts.Delivery
	if dopts.Log == nil {
		dopts.Log = log
	}
	c.pipeline = delivery.NewPipeline(api, sendResults{c}, dopts)

	var err error
	if c.timeline, err = timeline.New(c.id, api, c.pipeline); err != nil {
		c.pipeline.Close()
		return nil, err
	}
	if c.presence, err = presence.NewTracker(c.id, api); err != nil {
		c.pipeline.Close()
		return nil, err
	}

	transport := opts.Transport
	if transport == nil {
		transport = api.SSE()
	}
	c.consumer, err = consumer.New(consumer.Config{
		ConversationID: c.id,
		Transport:      transport,
		MaxReconnects:  opts.MaxReconnects,
		BaseDelay:      opts.BaseDelay,
		Log:            log,
	})
	if err != nil {
		c.pipeline.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.consumer.Start(runCtx)
	c.wg.Add(1)
	go c.loop()

	ttl := opts.TypingTTL
	if ttl == 0 {
		ttl = DefaultTypingTTL
	}
	if ttl > 0 {
		c.wg.Add(1)
		go c.expireTyping(runCtx, ttl)
	}

	if _, err := c.timeline.LoadInitial(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	c.notify(Update{Kind: UpdateMessages})
	return c, nil
}

func (c *Conversation) loop() {
	defer c.wg.Done()
	for ev := range c.consumer.Events() {
		if ev.Envelope == nil {
			c.notify(Update{Kind: UpdateState, State: ev.State, Attempt: ev.Attempt, Delay: ev.Delay, Err: ev.Err})
			continue
		}
		c.apply(*ev.Envelope)
	}
}

func (c *Conversation) apply(env envelope.Envelope) {
	switch env.Type {
	case envelope.MessageSent:
		m, err := envelope.MessageOf(env)
		if err != nil {
			c.log.Debug("dropping message envelope", zap.Error(err))
			return
		}
		if c.timeline.Reconcile(m) != timeline.Duplicate {
			c.notify(Update{Kind: UpdateMessages})
		}
	case envelope.MessageRead:
		r, err := envelope.ReadOf(env)
		if err != nil {
			c.log.Debug("dropping read envelope", zap.Error(err))
			return
		}
		changed := c.presence.Apply(env)
		if c.timeline.ApplyReadReceipt(env.UserID, r.ReadAt) || changed {
			c.notify(Update{Kind: UpdateRead})
		}
	case envelope.MessageDelivered:
		d, err := envelope.DeliveredOf(env)
		if err != nil {
			c.log.Debug("dropping delivery envelope", zap.Error(err))
			return
		}
		if c.timeline.MarkDelivered(d.MessageID) {
			c.notify(Update{Kind: UpdateMessages})
		}
	case envelope.TypingStart, envelope.TypingStop:
		// our own typing echoes back through the stream
		if env.UserID == c.userID {
			return
		}
		if c.presence.Apply(env) {
			c.notify(Update{Kind: UpdateTyping})
		}
	}
}

func (c *Conversation) expireTyping(ctx context.Context, ttl time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if len(c.presence.ExpireTyping(ttl)) > 0 {
				c.notify(Update{Kind: UpdateTyping})
			}
		}
	}
}

// sendResults feeds the delivery pipeline's outcomes into the timeline.
type sendResults struct{ c *Conversation }

func (r sendResults) MarkSent(tempID string, confirmed message.Message) error {
	err := r.c.timeline.MarkSent(tempID, confirmed)
	r.c.notify(Update{Kind: UpdateMessages})
	return err
}

func (r sendResults) MarkFailed(tempID string, cause error) error {
	err := r.c.timeline.MarkFailed(tempID, cause)
	r.c.notify(Update{Kind: UpdateMessages})
	return err
}

// Send appends text optimistically and returns its client temp id. The
// network send continues in the background.
func (c *Conversation) Send(text string) (string, error) {
	if c.isClosed() {
		return "", ErrClosed
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", apperr.Validation("text must not be empty")
	}
	if utf8.RuneCountInString(trimmed) > chat.MaxTextLength {
		return "", apperr.Validation("text exceeds %d characters", chat.MaxTextLength)
	}
	tempID, err := c.timeline.SendOptimistic(c.userID, c.peerID, trimmed)
	if err != nil {
		return "", err
	}
	c.notify(Update{Kind: UpdateMessages})
	return tempID, nil
}

// Resend retries a failed message under its original temp id.
func (c *Conversation) Resend(tempID string) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := c.timeline.Resend(tempID); err != nil {
		return err
	}
	c.notify(Update{Kind: UpdateMessages})
	return nil
}

func (c *Conversation) LoadOlder(ctx context.Context) (int, error) {
	n, err := c.timeline.LoadOlder(ctx)
	if n > 0 {
		c.notify(Update{Kind: UpdateMessages})
	}
	return n, err
}

// MarkRead marks everything received so far as read.
func (c *Conversation) MarkRead(ctx context.Context) error {
	res, err := c.api.MarkRead(ctx, c.id, 0)
	if err != nil {
		return err
	}
	c.timeline.ApplyReadReceipt(c.userID, res.ReadAt)
	c.presence.MarkRead(c.userID, res.ReadAt)
	return nil
}

func (c *Conversation) StartTyping(ctx context.Context) error {
	return c.presence.StartTyping(ctx, c.userID)
}

func (c *Conversation) StopTyping(ctx context.Context) error {
	return c.presence.StopTyping(ctx, c.userID)
}

func (c *Conversation) ID() string     { return c.id }
func (c *Conversation) PeerID() string { return c.peerID }

func (c *Conversation) Messages() []timeline.Entry { return c.timeline.Messages() }

func (c *Conversation) HasMore() bool { return c.timeline.HasMore() }

// PeerTyping reports whether the other participant is typing.
func (c *Conversation) PeerTyping() bool { return c.presence.IsTyping(c.peerID) }

// PeerReadAt is the peer's read watermark in epoch milliseconds.
func (c *Conversation) PeerReadAt() int64 { return c.presence.LastRead(c.peerID) }

// IsRead reports whether the peer has read e.
func (c *Conversation) IsRead(e timeline.Entry) bool {
	return c.timeline.IsReadBy(e, c.peerID)
}

func (c *Conversation) State() consumer.State { return c.consumer.State() }

// Err is the reason the stream gave up, if it did.
func (c *Conversation) Err() error { return c.consumer.Err() }

// Updates is closed by Close.
func (c *Conversation) Updates() <-chan Update { return c.updates }

// Close stops the stream and every timer, waits for in-flight sends to
// settle and closes Updates. It is safe to call more than once.
func (c *Conversation) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.cancel()
		err = c.consumer.Close()
		c.pipeline.Close()
		c.wg.Wait()
		close(c.updates)
	})
	return err
}

func (c *Conversation) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Conversation) notify(u Update) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.updates <- u:
	default:
	}
}
