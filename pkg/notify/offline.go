package notify

import (
	"context"
	"fmt"
	"html"
	"sync"
	"time"

	"go.uber.org/zap"

	"matchtalk/pkg/message"
	"matchtalk/pkg/metrics"
	"matchtalk/pkg/users"
)

const previewRunes = 140

// Presence reports whether a user currently holds an open push stream.
type Presence interface {
	IsOnline(userID string) bool
}

// OfflineNotifier emails recipients who were not connected when a message
// arrived, at most once per recipient per cooldown.
type OfflineNotifier struct {
	email    EmailService
	dir      users.Directory
	presence Presence
	cooldown time.Duration
	log      *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
	wg       sync.WaitGroup
}

func NewOfflineNotifier(email EmailService, dir users.Directory, presence Presence, cooldown time.Duration, log *zap.Logger) *OfflineNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &OfflineNotifier{
		email:    email,
		dir:      dir,
		presence: presence,
		cooldown: cooldown,
		log:      log.Named("notify"),
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

// MessageSent schedules an email for m's recipient and returns immediately.
func (n *OfflineNotifier) MessageSent(ctx context.Context, m message.Message) {
	if n.presence != nil && n.presence.IsOnline(m.ToUserID) {
		return
	}
	if !n.claim(m.ToUserID) {
		metrics.OfflineNotifications.WithLabelValues("cooldown").Inc()
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if err := n.send(ctx, m); err != nil {
			metrics.OfflineNotifications.WithLabelValues("error").Inc()
			n.log.Warn("offline notification failed",
				zap.String("user_id", m.ToUserID),
				zap.String("conversation_id", m.ConversationID),
				zap.Error(err))
			return
		}
		metrics.OfflineNotifications.WithLabelValues("sent").Inc()
	}()
}

// claim reserves the recipient's cooldown slot. A failed send keeps the slot
// so a broken mail provider is not hammered.
func (n *OfflineNotifier) claim(userID string) bool {
	now := n.now()
	n.mu.Lock()
	defer n.mu.Unlock()
	if last, ok := n.lastSent[userID]; ok && now.Sub(last) < n.cooldown {
		return false
	}
	n.lastSent[userID] = now
	return true
}

func (n *OfflineNotifier) send(ctx context.Context, m message.Message) error {
	to, err := n.dir.Lookup(ctx, m.ToUserID)
	if err != nil {
		return fmt.Errorf("lookup recipient: %w", err)
	}
	senderName := m.FromUserID
	if from, err := n.dir.Lookup(ctx, m.FromUserID); err == nil && from.Name != "" {
		senderName = from.Name
	}

	subject := fmt.Sprintf("New message from %s", senderName)
	preview := truncate(m.Text, previewRunes)
	plain := fmt.Sprintf("%s wrote: %s", senderName, preview)
	htmlBody := fmt.Sprintf("<p><strong>%s</strong> wrote:</p><p>%s</p>", html.EscapeString(senderName), html.EscapeString(preview))
	return n.email.SendEmail(ctx, subject, to.Email, plain, htmlBody)
}

// Wait blocks until scheduled emails have finished.
func (n *OfflineNotifier) Wait() {
	n.wg.Wait()
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
