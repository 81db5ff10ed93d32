// Package presence tracks who is typing and how far each participant has
// read in one conversation.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"matchtalk/pkg/conversation"
	"matchtalk/pkg/envelope"
)

// Publisher announces the local user's typing state.
type Publisher interface {
	Typing(ctx context.Context, conversationID string, typing bool) error
}

// Tracker holds TypingState and ReadState for a conversation. Typing entries
// never expire on their own; callers that want a TTL call ExpireTyping.
type Tracker struct {
	conversationID string
	pub            Publisher
	now            func() time.Time

	mu     sync.Mutex
	typing map[string]int64
	reads  map[string]int64
}

func NewTracker(conversationID string, pub Publisher) (*Tracker, error) {
	if err := conversation.Validate(conversationID); err != nil {
		return nil, err
	}
	return &Tracker{
		conversationID: conversationID,
		pub:            pub,
		now:            time.Now,
		typing:         make(map[string]int64),
		reads:          make(map[string]int64),
	}, nil
}

// StartTyping records userID as typing and publishes typing_start.
func (t *Tracker) StartTyping(ctx context.Context, userID string) error {
	t.mu.Lock()
	t.typing[userID] = t.now().UnixMilli()
	t.mu.Unlock()
	return t.publish(ctx, true)
}

// StopTyping removes userID and publishes typing_stop.
func (t *Tracker) StopTyping(ctx context.Context, userID string) error {
	t.mu.Lock()
	delete(t.typing, userID)
	t.mu.Unlock()
	return t.publish(ctx, false)
}

func (t *Tracker) publish(ctx context.Context, typing bool) error {
	if t.pub == nil {
		return nil
	}
	return t.pub.Typing(ctx, t.conversationID, typing)
}

// Apply folds a received envelope into the state. It reports whether the
// state changed. Envelopes of other conversations and types are ignored.
func (t *Tracker) Apply(env envelope.Envelope) bool {
	if env.ConversationID != t.conversationID || env.UserID == "" {
		return false
	}
	switch env.Type {
	case envelope.TypingStart:
		t.mu.Lock()
		t.typing[env.UserID] = t.now().UnixMilli()
		t.mu.Unlock()
		return true
	case envelope.TypingStop:
		t.mu.Lock()
		defer t.mu.Unlock()
		if _, ok := t.typing[env.UserID]; !ok {
			return false
		}
		delete(t.typing, env.UserID)
		return true
	case envelope.MessageRead:
		r, err := envelope.ReadOf(env)
		if err != nil {
			return false
		}
		return t.MarkRead(env.UserID, r.ReadAt)
	}
	return false
}

// MarkRead raises the read watermark of userID. Lower or equal values are
// ignored.
func (t *Tracker) MarkRead(userID string, readAt int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if readAt <= t.reads[userID] {
		return false
	}
	t.reads[userID] = readAt
	return true
}

func (t *Tracker) LastRead(userID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reads[userID]
}

func (t *Tracker) IsTyping(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.typing[userID]
	return ok
}

// TypingUsers lists the users currently typing, sorted.
func (t *Tracker) TypingUsers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := make([]string, 0, len(t.typing))
	for u := range t.typing {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Forget drops every piece of state held for userID.
func (t *Tracker) Forget(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.typing, userID)
	delete(t.reads, userID)
}

// ExpireTyping removes typing entries last refreshed more than olderThan ago
// and returns the removed user ids.
func (t *Tracker) ExpireTyping(olderThan time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-olderThan).UnixMilli()
	var expired []string
	for u, at := range t.typing {
		if at < cutoff {
			delete(t.typing, u)
			expired = append(expired, u)
		}
	}
	sort.Strings(expired)
	return expired
}
