package testhelpers

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"matchtalk/pkg/conversation"
	"matchtalk/pkg/message"
)

var uniqueCounter int64

func nextSuffix() int64 {
	return atomic.AddInt64(&uniqueCounter, 1)
}

// UserID returns an id that no other test in this run will use.
func UserID(prefix string) string {
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano()%1_000_000, nextSuffix())
}

// CreateTestUser inserts a minimal valid user row and returns its ID.
func CreateTestUser(t *testing.T, db *pgxpool.Pool) string {
	t.Helper()

	ctx := context.Background()
	id := UserID("user")
	email := fmt.Sprintf("%s@example.com", id)

	_, err := db.Exec(ctx, "INSERT INTO users (id, name, email) VALUES ($1, $2, $3)", id, id, email)
	require.NoError(t, err)
	return id
}

// BlockUser records that blocker has blocked blocked.
func BlockUser(t *testing.T, db *pgxpool.Pool, blocker, blocked string) {
	t.Helper()

	_, err := db.Exec(context.Background(), "INSERT INTO user_blocks (blocker_id, blocked_id) VALUES ($1, $2)", blocker, blocked)
	require.NoError(t, err)
}

// NewMessage builds an unsaved message from one user to another.
func NewMessage(from, to, text string, createdAt int64) message.Message {
	return message.Message{
		ID:             fmt.Sprintf("msg-%d-%d", time.Now().UnixNano(), nextSuffix()),
		ConversationID: conversation.ID(from, to),
		FromUserID:     from,
		ToUserID:       to,
		Text:           text,
		CreatedAt:      createdAt,
	}
}
