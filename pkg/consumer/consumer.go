// Package consumer keeps a client subscribed to one conversation's push
// stream, reconnecting with exponential backoff when the stream fails.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"matchtalk/pkg/apperr"
	"matchtalk/pkg/conversation"
	"matchtalk/pkg/envelope"
)

const (
	DefaultMaxReconnects = 5
	DefaultBaseDelay     = time.Second
)

type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// Stream is one open push stream. Next blocks until a frame arrives and must
// return once ctx is done or Close is called.
type Stream interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

type Transport interface {
	Open(ctx context.Context, conversationID string) (Stream, error)
}

// Event is either a state change or a received envelope.
type Event struct {
	State    State
	Envelope *envelope.Envelope
	// Attempt and Delay describe the reconnect that follows a disconnect.
	Attempt int
	Delay   time.Duration
	Err     error
}

type Config struct {
	ConversationID string
	Transport      Transport
	MaxReconnects  int
	BaseDelay      time.Duration
	Log            *zap.Logger
}

// Consumer owns the connection loop. Events must be drained by the caller.
type Consumer struct {
	cfg    Config
	log    *zap.Logger
	events chan Event
	sleep  func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	state   State
	err     error
	cancel  context.CancelFunc
	started bool
	done    chan struct{}
}

// New validates the conversation id; no connection is attempted until Start.
func New(cfg Config) (*Consumer, error) {
	if err := conversation.Validate(cfg.ConversationID); err != nil {
		return nil, err
	}
	if cfg.Transport == nil {
		return nil, errors.New("consumer: transport is required")
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = DefaultMaxReconnects
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		cfg:    cfg,
		log:    log.Named("consumer").With(zap.String("conversation_id", cfg.ConversationID)),
		events: make(chan Event, 32),
		sleep:  sleepCtx,
		state:  StateDisconnected,
		done:   make(chan struct{}),
	}, nil
}

// Events is closed once the loop exits.
func (c *Consumer) Events() <-chan Event { return c.events }

// Done is closed once the loop exits.
func (c *Consumer) Done() <-chan struct{} { return c.done }

func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that moved the consumer to StateFailed.
func (c *Consumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

// Close stops any pending reconnect, closes the stream and waits for the
// loop to exit.
func (c *Consumer) Close() error {
	c.mu.Lock()
	started, cancel := c.started, c.cancel
	c.started = true
	c.mu.Unlock()

	if !started {
		c.setState(StateClosed, nil)
		close(c.events)
		close(c.done)
		return nil
	}
	if cancel != nil {
		cancel()
	}
	<-c.done
	return nil
}

func newBackOff(base time.Duration, max int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = base << max
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(max))
}

func (c *Consumer) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)

	b := newBackOff(c.cfg.BaseDelay, c.cfg.MaxReconnects)
	attempt := 0
	for {
		c.emit(ctx, Event{State: StateConnecting, Attempt: attempt})
		stream, err := c.cfg.Transport.Open(ctx, c.cfg.ConversationID)
		if ctx.Err() != nil {
			if stream != nil {
				stream.Close()
			}
			c.finish(StateClosed, nil)
			return
		}
		if err == nil {
			b.Reset()
			attempt = 0
			c.emit(ctx, Event{State: StateConnected})
			err = c.pump(ctx, stream)
			stream.Close()
			if ctx.Err() != nil {
				c.finish(StateClosed, nil)
				return
			}
		}

		if apperr.IsPermanent(err) {
			c.log.Warn("stream rejected", zap.Error(err))
			c.finish(StateFailed, err)
			return
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			failErr := fmt.Errorf("could not reconnect after %d attempts: %w", c.cfg.MaxReconnects, err)
			c.log.Warn("giving up on stream", zap.Error(err))
			c.finish(StateFailed, failErr)
			return
		}
		attempt++
		c.log.Info("stream disconnected", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		c.emit(ctx, Event{State: StateDisconnected, Attempt: attempt, Delay: delay, Err: err})

		if c.sleep(ctx, delay) != nil {
			c.finish(StateClosed, nil)
			return
		}
	}
}

// pump forwards frames until the stream fails. Malformed frames are dropped.
func (c *Consumer) pump(ctx context.Context, stream Stream) error {
	for {
		frame, err := stream.Next(ctx)
		if err != nil {
			return apperr.Stream("stream ended", err)
		}
		env, err := envelope.Decode(frame, c.cfg.ConversationID)
		if err != nil {
			c.log.Debug("dropping frame", zap.Error(err))
			continue
		}
		if !c.emit(ctx, Event{Envelope: &env}) {
			return ctx.Err()
		}
	}
}

func (c *Consumer) setState(s State, err error) {
	c.mu.Lock()
	c.state = s
	if err != nil {
		c.err = err
	}
	c.mu.Unlock()
}

// emit records state changes and hands ev to the caller. It reports false
// once ctx is done.
func (c *Consumer) emit(ctx context.Context, ev Event) bool {
	if ev.State != "" {
		c.setState(ev.State, nil)
	}
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish publishes the terminal state without blocking on a reader that has
// gone away.
func (c *Consumer) finish(s State, err error) {
	c.setState(s, err)
	select {
	case c.events <- Event{State: s, Err: err}:
	default:
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
