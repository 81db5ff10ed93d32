package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"

	"matchtalk/pkg/apperr"
	"matchtalk/pkg/auth"
	"matchtalk/pkg/bus"
	"matchtalk/pkg/chat"
	"matchtalk/pkg/consumer"
	"matchtalk/pkg/delivery"
	"matchtalk/pkg/message"
	"matchtalk/pkg/pushstream"
)

const conv = "alice_bob"

// bearerAuth treats the bearer token as the user id.
type bearerAuth struct{}

func (bearerAuth) Resolve(r *http.Request) (auth.Session, error) {
	if u, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && u != "" {
		return auth.Session{UserID: u}, nil
	}
	return auth.Session{}, apperr.Unauthorized("missing bearer token")
}

type testServer struct {
	*httptest.Server
	store *chat.MemoryMessageStore
	// failSends makes that many message posts fail with 503
	failSends atomic.Int32
	sendCalls atomic.Int32
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	b := bus.NewLocal(64, nil)
	ts := &testServer{store: chat.NewMemoryMessageStore()}
	svc := chat.NewService(chat.Deps{Store: ts.store, Bus: b})

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if c.Request.Method == http.MethodPost && strings.HasSuffix(c.Request.URL.Path, "/messages") {
			ts.sendCalls.Add(1)
			if ts.failSends.Add(-1) >= 0 {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"success": false, "message": "try later"})
				return
			}
		}
		c.Next()
	})
	h := chat.NewHandler(svc, b, pushstream.NewRegistry(), pushstream.Config{Heartbeat: time.Hour}, nil)
	h.RegisterRoutes(r.Group("/", auth.Middleware(bearerAuth{})))

	ts.Server = httptest.NewServer(r)
	t.Cleanup(func() {
		ts.CloseClientConnections()
		ts.Close()
		b.Close()
	})
	return ts
}

func newAPI(t *testing.T, baseURL, user string) *APIClient {
	t.Helper()
	api, err := NewAPIClient(Options{BaseURL: baseURL, Token: user})
	require.NoError(t, err)
	return api
}

func openConversation(t *testing.T, ts *testServer, user string) *Conversation {
	t.Helper()
	c, err := Open(context.Background(), newAPI(t, ts.URL, user), ConversationOptions{
		ConversationID: conv,
		UserID:         user,
		Delivery:       delivery.Options{BaseDelay: time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.Eventually(t, func() bool { return c.State() == consumer.StateConnected }, 2*time.Second, 5*time.Millisecond)
	return c
}

func seed(t *testing.T, ts *testServer, n int) {
	t.Helper()
	base := time.Now().Add(-time.Hour).UnixMilli()
	for i := range n {
		_, err := ts.store.Append(context.Background(), message.Message{
			ID:             fmt.Sprintf("seed-%02d", i),
			ConversationID: conv,
			FromUserID:     "bob",
			ToUserID:       "alice",
			Text:           fmt.Sprintf("old %d", i),
			CreatedAt:      base + int64(i),
		})
		require.NoError(t, err)
	}
}

func TestNewAPIClient_RejectsBadURL(t *testing.T) {
	_, err := NewAPIClient(Options{BaseURL: "localhost"})
	require.Error(t, err)
}

func TestAPIClient_SendAndPage(t *testing.T) {
	ts := newTestServer(t)
	api := newAPI(t, ts.URL, "alice")
	ctx := context.Background()

	stored, err := api.Send(ctx, message.Message{ConversationID: conv, FromUserID: "alice", ToUserID: "bob", Text: "hi", ClientTempID: "tmp-1"})
	require.NoError(t, err)
	require.NotEmpty(t, stored.ID)
	require.Equal(t, "tmp-1", stored.ClientTempID)

	again, err := api.Send(ctx, message.Message{ConversationID: conv, FromUserID: "alice", ToUserID: "bob", Text: "hi", ClientTempID: "tmp-1"})
	require.NoError(t, err)
	require.Equal(t, stored.ID, again.ID)

	page, err := api.Page(ctx, conv, 0, 20)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, stored.ID, page[0].ID)

	page, err = api.Page(ctx, conv, stored.CreatedAt, 20)
	require.NoError(t, err)
	require.Empty(t, page)
}

func TestAPIClient_ErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	_, err := newAPI(t, ts.URL, "alice").Send(ctx, message.Message{ConversationID: conv, FromUserID: "bob", ToUserID: "alice", Text: "spoof"})
	require.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = newAPI(t, ts.URL, "alice").Send(ctx, message.Message{ConversationID: conv, FromUserID: "alice", ToUserID: "bob", Text: "   "})
	require.ErrorIs(t, err, apperr.ErrValidation)

	_, err = newAPI(t, ts.URL, "").Page(ctx, conv, 0, 20)
	require.ErrorIs(t, err, apperr.ErrAuth)

	_, err = newAPI(t, ts.URL, "carol").MarkRead(ctx, conv, 0)
	require.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestAPIClient_BreakerOpensOnTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	api, err := NewAPIClient(Options{BaseURL: srv.URL, Token: "alice", MaxFailures: 2, OpenTimeout: time.Minute})
	require.NoError(t, err)

	for range 2 {
		_, err := api.Page(context.Background(), conv, 0, 20)
		require.ErrorIs(t, err, apperr.ErrTransient)
	}
	require.Equal(t, gobreaker.StateOpen, api.BreakerState())

	_, err = api.Page(context.Background(), conv, 0, 20)
	require.ErrorIs(t, err, apperr.ErrTransient)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	require.EqualValues(t, 2, hits.Load())
}

func TestAPIClient_RejectionsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	api, err := NewAPIClient(Options{BaseURL: srv.URL, MaxFailures: 1})
	require.NoError(t, err)
	for range 3 {
		_, err := api.Page(context.Background(), conv, 0, 20)
		require.ErrorIs(t, err, apperr.ErrValidation)
	}
	require.Equal(t, gobreaker.StateClosed, api.BreakerState())
}

func TestOpen_Validation(t *testing.T) {
	api, err := NewAPIClient(Options{BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	_, err = Open(context.Background(), api, ConversationOptions{ConversationID: "abc 123", UserID: "alice"})
	require.ErrorIs(t, err, apperr.ErrValidation)

	_, err = Open(context.Background(), api, ConversationOptions{ConversationID: "bob_carol", UserID: "alice"})
	require.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestConversation_HelloIsDeliveredAndRead(t *testing.T) {
	ts := newTestServer(t)
	alice := openConversation(t, ts, "alice")
	bob := openConversation(t, ts, "bob")

	tempID, err := alice.Send("  Hello ")
	require.NoError(t, err)
	entries := alice.Messages()
	require.Len(t, entries, 1)
	require.Equal(t, "Hello", entries[0].Text)

	// bob's stream writes the message, which acknowledges delivery to alice
	require.Eventually(t, func() bool {
		e, ok := alice.timeline.Get(tempID)
		return ok && e.Status == delivery.StatusDelivered
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		msgs := bob.Messages()
		return len(msgs) == 1 && msgs[0].Confirmed()
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, bob.MarkRead(context.Background()))
	require.Eventually(t, func() bool {
		e, ok := alice.timeline.Get(tempID)
		return ok && e.Status == delivery.StatusRead && alice.IsRead(e)
	}, 2*time.Second, 5*time.Millisecond)

	require.Positive(t, alice.PeerReadAt())
	require.Len(t, alice.Messages(), 1)
	require.EqualValues(t, 1, ts.sendCalls.Load())
}

func TestConversation_TypingReachesPeer(t *testing.T) {
	ts := newTestServer(t)
	alice := openConversation(t, ts, "alice")
	bob := openConversation(t, ts, "bob")

	require.NoError(t, alice.StartTyping(context.Background()))
	require.Eventually(t, bob.PeerTyping, 2*time.Second, 5*time.Millisecond)
	require.False(t, alice.PeerTyping())

	require.NoError(t, alice.StopTyping(context.Background()))
	require.Eventually(t, func() bool { return !bob.PeerTyping() }, 2*time.Second, 5*time.Millisecond)
}

func TestConversation_FailedSendCanBeResent(t *testing.T) {
	ts := newTestServer(t)
	alice := openConversation(t, ts, "alice")
	ts.failSends.Store(3)

	tempID, err := alice.Send("are you there?")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		e, _ := alice.timeline.Get(tempID)
		return e.Status == delivery.StatusFailed
	}, 2*time.Second, 5*time.Millisecond)
	require.EqualValues(t, 3, ts.sendCalls.Load())

	e, _ := alice.timeline.Get(tempID)
	require.ErrorIs(t, e.LastError, apperr.ErrTransient)
	require.Len(t, alice.Messages(), 1)

	require.NoError(t, alice.Resend(tempID))
	require.Eventually(t, func() bool {
		e, _ := alice.timeline.Get(tempID)
		return e.Confirmed() && e.Status == delivery.StatusSent
	}, 2*time.Second, 5*time.Millisecond)
	require.Len(t, alice.Messages(), 1)
}

func TestConversation_LoadsHistoryBackwards(t *testing.T) {
	ts := newTestServer(t)
	seed(t, ts, 25)
	alice := openConversation(t, ts, "alice")

	require.Len(t, alice.Messages(), 20)
	require.True(t, alice.HasMore())

	n, err := alice.LoadOlder(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.False(t, alice.HasMore())

	msgs := alice.Messages()
	require.Len(t, msgs, 25)
	require.Equal(t, "seed-00", msgs[0].ID)
	require.Equal(t, "seed-24", msgs[24].ID)
}

func TestConversation_Close(t *testing.T) {
	ts := newTestServer(t)
	alice := openConversation(t, ts, "alice")

	require.NoError(t, alice.Close())
	require.NoError(t, alice.Close())
	require.Equal(t, consumer.StateClosed, alice.State())

	for range alice.Updates() {
	}
	_, err := alice.Send("late")
	require.ErrorIs(t, err, ErrClosed)
}

func TestConversation_RejectsEmptyText(t *testing.T) {
	ts := newTestServer(t)
	alice := openConversation(t, ts, "alice")

	_, err := alice.Send(" \n\t")
	require.ErrorIs(t, err, apperr.ErrValidation)
	require.Empty(t, alice.Messages())
}
