package chat

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"matchtalk/pkg/conversation"
	"matchtalk/pkg/db"
	"matchtalk/pkg/message"
	"matchtalk/pkg/testhelpers"
)

// newTestPool connects to a real Postgres instance for integration tests.
// Skips if DATABASE_URL_FOR_TEST is not set to keep CI deterministic.
func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if err := godotenv.Load(); err != nil {
		t.Log("No .env file found, using environment variables")
	}
	dsn := os.Getenv("DATABASE_URL_FOR_TEST")
	if dsn == "" {
		t.Skip("DATABASE_URL_FOR_TEST not set; skipping integration tests")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.MaxConns = 4

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, db.ApplySchema(ctx, pool))

	t.Cleanup(func() { pool.Close() })
	return pool
}

func newTestMongo(t *testing.T) *MongoMessageStore {
	t.Helper()
	uri := os.Getenv("MONGO_URI_FOR_TEST")
	if uri == "" {
		t.Skip("MONGO_URI_FOR_TEST not set; skipping mongo integration tests")
	}
	ctx := context.Background()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	database := client.Database(testhelpers.UserID("matchtalk_test"))
	t.Cleanup(func() { _ = database.Drop(context.Background()) })

	store := NewMongoMessageStore(database)
	require.NoError(t, store.EnsureIndexes(ctx))
	return store
}

// storeContract runs the behavior every MessageStore must share.
func storeContract(t *testing.T, store MessageStore, a, b string) {
	ctx := context.Background()
	convID := conversation.ID(a, b)

	for i, text := range []string{"m1", "m2", "m3", "m4"} {
		m := testhelpers.NewMessage(a, b, text, int64(100*(i+1)))
		if i%2 == 1 {
			m = testhelpers.NewMessage(b, a, text, int64(100*(i+1)))
		}
		_, err := store.Append(ctx, m)
		require.NoError(t, err)
	}

	latest, err := store.Query(ctx, convID, 0, 3)
	require.NoError(t, err)
	require.Equal(t, []string{"m2", "m3", "m4"}, texts(latest))

	older, err := store.Query(ctx, convID, latest[0].CreatedAt, 3)
	require.NoError(t, err)
	require.Equal(t, []string{"m1"}, texts(older))

	// resubmitting a client temp id is rejected
	first := testhelpers.NewMessage(a, b, "once", 500)
	first.ClientTempID = "tmp-1"
	_, err = store.Append(ctx, first)
	require.NoError(t, err)
	again := testhelpers.NewMessage(a, b, "once", 501)
	again.ClientTempID = "tmp-1"
	_, err = store.Append(ctx, again)
	require.ErrorIs(t, err, ErrDuplicate)

	found, err := store.FindByClientTempID(ctx, convID, a, "tmp-1")
	require.NoError(t, err)
	require.Equal(t, first.ID, found.ID)
	_, err = store.FindByClientTempID(ctx, convID, b, "tmp-1")
	require.ErrorIs(t, err, ErrNotFound)

	// b reads everything a sent up to 300
	n, err := store.MarkRead(ctx, convID, b, 300)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	n, err = store.MarkRead(ctx, convID, b, 300)
	require.NoError(t, err)
	require.Zero(t, n)

	all, err := store.Query(ctx, convID, 0, 100)
	require.NoError(t, err)
	for _, m := range all {
		wantRead := m.ToUserID == b && m.CreatedAt <= 300
		require.Equal(t, wantRead, m.IsRead(), m.Text)
	}
}

func texts(msgs []message.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

func TestMemoryMessageStore_Contract(t *testing.T) {
	storeContract(t, NewMemoryMessageStore(), "alice", "bob")
}

func TestPostgresMessageStore_Contract(t *testing.T) {
	pool := newTestPool(t)
	a := testhelpers.CreateTestUser(t, pool)
	b := testhelpers.CreateTestUser(t, pool)
	storeContract(t, NewPostgresMessageStore(pool), a, b)
}

func TestMongoMessageStore_Contract(t *testing.T) {
	storeContract(t, newTestMongo(t), "alice", "bob")
}

func TestPostgresPolicy(t *testing.T) {
	pool := newTestPool(t)
	policy := NewPostgresPolicy(pool)
	ctx := context.Background()

	a := testhelpers.CreateTestUser(t, pool)
	b := testhelpers.CreateTestUser(t, pool)

	ok, err := policy.CanMessage(ctx, a, b)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = policy.CanMessage(ctx, a, testhelpers.UserID("ghost"))
	require.NoError(t, err)
	require.False(t, ok)

	blocked, err := policy.IsBlocked(ctx, a, b)
	require.NoError(t, err)
	require.False(t, blocked)

	testhelpers.BlockUser(t, pool, b, a)
	blocked, err = policy.IsBlocked(ctx, a, b)
	require.NoError(t, err)
	require.True(t, blocked)
}
