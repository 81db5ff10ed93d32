package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"matchtalk/pkg/message"
)

const uniqueViolation = "23505"

type PostgresMessageStore struct {
	pool *pgxpool.Pool
}

func NewPostgresMessageStore(pool *pgxpool.Pool) *PostgresMessageStore {
	return &PostgresMessageStore{pool: pool}
}

const messageColumns = `id, conversation_id, from_user_id, to_user_id, text, created_at, read_at, COALESCE(client_temp_id, '')`

func scanMessage(row pgx.Row) (message.Message, error) {
	var m message.Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.FromUserID, &m.ToUserID, &m.Text, &m.CreatedAt, &m.ReadAt, &m.ClientTempID)
	return m, err
}

// Append inserts m. A second insert with the same sender and client temp id
// in one conversation returns ErrDuplicate.
func (r *PostgresMessageStore) Append(ctx context.Context, m message.Message) (message.Message, error) {
	if r.pool == nil {
		return message.Message{}, errors.New("db pool is nil")
	}

	const insertSQL = `
		INSERT INTO messages (id, conversation_id, from_user_id, to_user_id, text, created_at, client_temp_id)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7::text, ''))
		RETURNING ` + messageColumns

	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	row := r.pool.QueryRow(ctxTimeout, insertSQL, m.ID, m.ConversationID, m.FromUserID, m.ToUserID, m.Text, m.CreatedAt, m.ClientTempID)
	stored, err := scanMessage(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return message.Message{}, ErrDuplicate
		}
		return message.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return stored, nil
}

// Query fetches the newest page before the cursor and returns it oldest first.
func (r *PostgresMessageStore) Query(ctx context.Context, conversationID string, before int64, limit int) ([]message.Message, error) {
	if r.pool == nil {
		return nil, errors.New("db pool is nil")
	}

	const querySQL = `
		SELECT * FROM (
			SELECT ` + messageColumns + `
			FROM messages
			WHERE conversation_id = $1
			  AND ($2::bigint = 0 OR created_at < $2::bigint)
			ORDER BY created_at DESC
			LIMIT $3
		) page
		ORDER BY created_at ASC
	`

	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := r.pool.Query(ctxTimeout, querySQL, conversationID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversation page: %w", err)
	}
	defer rows.Close()

	result := make([]message.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return result, nil
}

func (r *PostgresMessageStore) FindByClientTempID(ctx context.Context, conversationID, fromUserID, clientTempID string) (message.Message, error) {
	if r.pool == nil {
		return message.Message{}, errors.New("db pool is nil")
	}

	const querySQL = `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1 AND from_user_id = $2 AND client_temp_id = $3
	`

	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	m, err := scanMessage(r.pool.QueryRow(ctxTimeout, querySQL, conversationID, fromUserID, clientTempID))
	if errors.Is(err, pgx.ErrNoRows) {
		return message.Message{}, ErrNotFound
	}
	if err != nil {
		return message.Message{}, fmt.Errorf("find by client temp id: %w", err)
	}
	return m, nil
}

// MarkRead stamps every unread message addressed to readerID created at or
// before readAt. Returns the number of messages updated.
func (r *PostgresMessageStore) MarkRead(ctx context.Context, conversationID, readerID string, readAt int64) (int64, error) {
	if r.pool == nil {
		return 0, errors.New("db pool is nil")
	}

	const updateSQL = `
		UPDATE messages
		SET read_at = $3
		WHERE conversation_id = $1
		  AND to_user_id = $2
		  AND read_at IS NULL
		  AND created_at <= $3
	`

	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd, err := r.pool.Exec(ctxTimeout, updateSQL, conversationID, readerID, readAt)
	if err != nil {
		return 0, fmt.Errorf("mark messages as read: %w", err)
	}
	return cmd.RowsAffected(), nil
}

// PostgresPolicy answers block and reachability checks from the users and
// user_blocks tables.
type PostgresPolicy struct {
	pool *pgxpool.Pool
}

func NewPostgresPolicy(pool *pgxpool.Pool) *PostgresPolicy {
	return &PostgresPolicy{pool: pool}
}

// CanMessage reports whether the recipient exists and is not deleted.
func (p *PostgresPolicy) CanMessage(ctx context.Context, fromUserID, toUserID string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND is_deleted = FALSE)`

	ctxTimeout, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var ok bool
	if err := p.pool.QueryRow(ctxTimeout, q, toUserID).Scan(&ok); err != nil {
		return false, fmt.Errorf("check recipient: %w", err)
	}
	return ok, nil
}

// IsBlocked reports whether either user has blocked the other.
func (p *PostgresPolicy) IsBlocked(ctx context.Context, a, b string) (bool, error) {
	const q = `
		SELECT EXISTS (
			SELECT 1 FROM user_blocks
			WHERE (blocker_id = $1 AND blocked_id = $2)
			   OR (blocker_id = $2 AND blocked_id = $1)
		)
	`

	ctxTimeout, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var blocked bool
	if err := p.pool.QueryRow(ctxTimeout, q, a, b).Scan(&blocked); err != nil {
		return false, fmt.Errorf("check blocks: %w", err)
	}
	return blocked, nil
}
