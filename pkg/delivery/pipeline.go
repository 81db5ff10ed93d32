// Package delivery sends outbound messages with bounded retries and tracks
// their status.
package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"matchtalk/pkg/apperr"
	"matchtalk/pkg/message"
)

const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 500 * time.Millisecond
)

// ErrClosed marks messages dispatched after Close.
var ErrClosed = errors.New("delivery pipeline closed")

// Sender performs one network send and returns the stored copy.
type Sender interface {
	Send(ctx context.Context, m message.Message) (message.Message, error)
}

// Tracker receives the outcome of each send, keyed by client temp id.
type Tracker interface {
	MarkSent(tempID string, confirmed message.Message) error
	MarkFailed(tempID string, cause error) error
}

type Options struct {
	Attempts  int
	BaseDelay time.Duration
	// OnAttemptFailed runs before every retry.
	OnAttemptFailed func(m message.Message, attempt int, err error, next time.Duration)
	Log             *zap.Logger
}

type Pipeline struct {
	sender  Sender
	tracker Tracker
	opts    Options
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	locks  map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewPipeline(sender Sender, tracker Tracker, opts Options) *Pipeline {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		sender:  sender,
		tracker: tracker,
		opts:    opts,
		log:     log.Named("delivery"),
		ctx:     ctx,
		cancel:  cancel,
		locks:   make(map[string]*keyLock),
	}
}

// Send delivers m, retrying transient failures. Sends of the same temp id
// never overlap.
func (p *Pipeline) Send(ctx context.Context, m message.Message) (message.Message, error) {
	unlock := p.lock(m.ClientTempID)
	defer unlock()

	attempt := 0
	op := func() (message.Message, error) {
		attempt++
		confirmed, err := p.sender.Send(ctx, m)
		if err != nil && !apperr.IsTransient(err) {
			return message.Message{}, backoff.Permanent(err)
		}
		return confirmed, err
	}
	notify := func(err error, next time.Duration) {
		p.log.Debug("send attempt failed",
			zap.String("client_temp_id", m.ClientTempID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", next),
			zap.Error(err))
		if p.opts.OnAttemptFailed != nil {
			p.opts.OnAttemptFailed(m, attempt, err, next)
		}
	}

	confirmed, err := backoff.RetryNotifyWithData[message.Message](op, p.backOff(ctx), notify)
	if err != nil {
		p.log.Warn("message failed", zap.String("client_temp_id", m.ClientTempID), zap.Int("attempts", attempt), zap.Error(err))
		if p.tracker != nil {
			if terr := p.tracker.MarkFailed(m.ClientTempID, err); terr != nil {
				p.log.Debug("mark failed", zap.Error(terr))
			}
		}
		return message.Message{}, err
	}
	if p.tracker != nil {
		if terr := p.tracker.MarkSent(m.ClientTempID, confirmed); terr != nil {
			p.log.Debug("mark sent", zap.Error(terr))
		}
	}
	return confirmed, nil
}

func (p *Pipeline) backOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.BaseDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.opts.Attempts-1)), ctx)
}

// Dispatch sends m in the background. Results reach the tracker. After
// Close the message is marked failed without a send.
func (p *Pipeline) Dispatch(m message.Message) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		if p.tracker != nil {
			if err := p.tracker.MarkFailed(m.ClientTempID, ErrClosed); err != nil {
				p.log.Debug("mark failed", zap.Error(err))
			}
		}
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		_, _ = p.Send(p.ctx, m)
	}()
}

// Close aborts pending retries and waits for dispatched sends. Aborted
// messages end up failed, never dropped.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}

func (p *Pipeline) lock(key string) func() {
	p.mu.Lock()
	l, ok := p.locks[key]
	if !ok {
		l = &keyLock{}
		p.locks[key] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, key)
		}
		p.mu.Unlock()
	}
}
