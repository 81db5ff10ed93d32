package users

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrUserNotFound = errors.New("user not found")

// Directory resolves user ids to contact details.
type Directory interface {
	Lookup(ctx context.Context, userID string) (Contact, error)
}

type postgresDirectory struct {
	pool *pgxpool.Pool
}

func NewPostgresDirectory(pool *pgxpool.Pool) Directory {
	return &postgresDirectory{pool: pool}
}

func (r *postgresDirectory) Lookup(ctx context.Context, userID string) (Contact, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `SELECT id, name, email FROM users WHERE id = $1 AND is_deleted = FALSE`
	var c Contact
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&c.ID, &c.Name, &c.Email); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contact{}, ErrUserNotFound
		}
		return Contact{}, err
	}
	return c, nil
}

// StaticDirectory serves a fixed set of contacts. Used when no database is
// configured.
type StaticDirectory struct {
	mu       sync.RWMutex
	contacts map[string]Contact
}

func NewStaticDirectory(contacts ...Contact) *StaticDirectory {
	d := &StaticDirectory{contacts: make(map[string]Contact, len(contacts))}
	for _, c := range contacts {
		d.contacts[c.ID] = c
	}
	return d
}

func (d *StaticDirectory) Put(c Contact) {
	d.mu.Lock()
	d.contacts[c.ID] = c
	d.mu.Unlock()
}

func (d *StaticDirectory) Lookup(_ context.Context, userID string) (Contact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.contacts[userID]
	if !ok {
		return Contact{}, ErrUserNotFound
	}
	return c, nil
}
