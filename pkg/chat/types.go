package chat

import (
	"context"
	"errors"

	"matchtalk/pkg/message"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	MaxTextLength   = 10000
)

var (
	ErrNotFound  = errors.New("message not found")
	ErrDuplicate = errors.New("duplicate client temp id")
)

// MessageStore persists messages. Query returns at most limit messages
// created strictly before `before` (or the latest when before is 0), in
// ascending createdAt order.
type MessageStore interface {
	Append(ctx context.Context, m message.Message) (message.Message, error)
	Query(ctx context.Context, conversationID string, before int64, limit int) ([]message.Message, error)
	FindByClientTempID(ctx context.Context, conversationID, fromUserID, clientTempID string) (message.Message, error)
	MarkRead(ctx context.Context, conversationID, readerID string, readAt int64) (int64, error)
}

// Policy answers the abuse checks made before a message is accepted.
type Policy interface {
	CanMessage(ctx context.Context, fromUserID, toUserID string) (bool, error)
	IsBlocked(ctx context.Context, a, b string) (bool, error)
}

// Notifier is told about every stored message.
type Notifier interface {
	MessageSent(ctx context.Context, m message.Message)
}

type AllowAll struct{}

func (AllowAll) CanMessage(context.Context, string, string) (bool, error) { return true, nil }
func (AllowAll) IsBlocked(context.Context, string, string) (bool, error)  { return false, nil }

type SendRequest struct {
	FromUserID   string `json:"fromUserId" binding:"required"`
	ToUserID     string `json:"toUserId" binding:"required"`
	Text         string `json:"text"`
	ClientTempID string `json:"clientTempId,omitempty"`
}

type ReadRequest struct {
	ReadAt *int64 `json:"readAt,omitempty"`
}

type TypingRequest struct {
	Typing *bool `json:"typing" binding:"required"`
}

// Page is the data of a page fetch response.
type Page struct {
	Messages []message.Message `json:"messages"`
	Count    int               `json:"count"`
}

type ReadResult struct {
	ReadAt  int64 `json:"readAt"`
	Updated int64 `json:"updated"`
}
