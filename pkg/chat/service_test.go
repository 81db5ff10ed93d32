package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"matchtalk/pkg/apperr"
	"matchtalk/pkg/bus"
	"matchtalk/pkg/envelope"
	"matchtalk/pkg/message"
	"matchtalk/pkg/ratelimit"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Append(ctx context.Context, msg message.Message) (message.Message, error) {
	args := m.Called(ctx, msg)
	if echo, ok := args.Get(0).(func(context.Context, message.Message) message.Message); ok {
		return echo(ctx, msg), args.Error(1)
	}
	stored, _ := args.Get(0).(message.Message)
	return stored, args.Error(1)
}

func (m *mockStore) Query(ctx context.Context, conversationID string, before int64, limit int) ([]message.Message, error) {
	args := m.Called(ctx, conversationID, before, limit)
	msgs, _ := args.Get(0).([]message.Message)
	return msgs, args.Error(1)
}

func (m *mockStore) FindByClientTempID(ctx context.Context, conversationID, fromUserID, clientTempID string) (message.Message, error) {
	args := m.Called(ctx, conversationID, fromUserID, clientTempID)
	msg, _ := args.Get(0).(message.Message)
	return msg, args.Error(1)
}

func (m *mockStore) MarkRead(ctx context.Context, conversationID, readerID string, readAt int64) (int64, error) {
	args := m.Called(ctx, conversationID, readerID, readAt)
	return args.Get(0).(int64), args.Error(1)
}

type mockPolicy struct {
	mock.Mock
}

func (m *mockPolicy) CanMessage(ctx context.Context, from, to string) (bool, error) {
	args := m.Called(ctx, from, to)
	return args.Bool(0), args.Error(1)
}

func (m *mockPolicy) IsBlocked(ctx context.Context, a, b string) (bool, error) {
	args := m.Called(ctx, a, b)
	return args.Bool(0), args.Error(1)
}

type stubLimiter struct {
	decision ratelimit.Decision
	err      error
	buckets  []string
}

func (s *stubLimiter) Check(_ context.Context, _ string, bucket string) (ratelimit.Decision, error) {
	s.buckets = append(s.buckets, bucket)
	return s.decision, s.err
}

type recordingNotifier struct {
	sent []message.Message
}

func (n *recordingNotifier) MessageSent(_ context.Context, m message.Message) {
	n.sent = append(n.sent, m)
}

var fixedNow = time.UnixMilli(1_700_000_000_000)

type serviceFixture struct {
	svc      *chatService
	store    *mockStore
	policy   *mockPolicy
	limiter  *stubLimiter
	bus      *bus.Local
	notifier *recordingNotifier
	events   chan envelope.Envelope
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		store:    new(mockStore),
		policy:   new(mockPolicy),
		limiter:  &stubLimiter{decision: ratelimit.Decision{Allowed: true}},
		bus:      bus.NewLocal(16, nil),
		notifier: &recordingNotifier{},
		events:   make(chan envelope.Envelope, 16),
	}
	svc := NewService(Deps{Store: f.store, Policy: f.policy, Limiter: f.limiter, Bus: f.bus, Notifier: f.notifier}).(*chatService)
	svc.now = func() time.Time { return fixedNow }
	svc.newID = func() string { return "m1" }
	f.svc = svc

	unsubscribe := f.bus.Subscribe("alice_bob", func(e envelope.Envelope) { f.events <- e })
	t.Cleanup(unsubscribe)
	return f
}

func (f *serviceFixture) nextEvent(t *testing.T) envelope.Envelope {
	t.Helper()
	select {
	case e := <-f.events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope published")
		return envelope.Envelope{}
	}
}

func (f *serviceFixture) noEvent(t *testing.T) {
	t.Helper()
	select {
	case e := <-f.events:
		t.Fatalf("unexpected envelope %s", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func (f *serviceFixture) allowPolicy() {
	f.policy.On("IsBlocked", mock.Anything, "alice", "bob").Return(false, nil)
	f.policy.On("CanMessage", mock.Anything, "alice", "bob").Return(true, nil)
}

func TestSend_PersistsThenPublishes(t *testing.T) {
	f := newServiceFixture(t)
	f.allowPolicy()
	f.store.On("FindByClientTempID", mock.Anything, "alice_bob", "alice", "tmp-1").Return(message.Message{}, ErrNotFound)
	f.store.On("Append", mock.Anything, mock.MatchedBy(func(m message.Message) bool {
		return m.ID == "m1" && m.Text == "hi" && m.CreatedAt == fixedNow.UnixMilli() && m.ClientTempID == "tmp-1"
	})).Return(func(_ context.Context, m message.Message) message.Message { return m }, nil)

	got, err := f.svc.Send(context.Background(), "alice_bob", "alice", SendRequest{
		FromUserID: "alice", ToUserID: "bob", Text: "hi", ClientTempID: "tmp-1",
	})
	require.NoError(t, err)
	require.Equal(t, "m1", got.ID)

	env := f.nextEvent(t)
	require.Equal(t, envelope.MessageSent, env.Type)
	published, err := envelope.MessageOf(env)
	require.NoError(t, err)
	require.Equal(t, got, published)

	require.Len(t, f.notifier.sent, 1)
	require.Equal(t, []string{ratelimit.BucketSend}, f.limiter.buckets)
	f.store.AssertExpectations(t)
}

func TestSend_ResubmittedClientTempIDReturnsStoredMessage(t *testing.T) {
	f := newServiceFixture(t)
	f.allowPolicy()
	existing := message.Message{ID: "m0", ConversationID: "alice_bob", FromUserID: "alice", ToUserID: "bob", Text: "hi", ClientTempID: "tmp-1"}
	f.store.On("FindByClientTempID", mock.Anything, "alice_bob", "alice", "tmp-1").Return(existing, nil)

	got, err := f.svc.Send(context.Background(), "alice_bob", "alice", SendRequest{
		FromUserID: "alice", ToUserID: "bob", Text: "hi", ClientTempID: "tmp-1",
	})
	require.NoError(t, err)
	require.Equal(t, existing, got)
	f.store.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
	require.Empty(t, f.limiter.buckets)
	f.noEvent(t)
}

func TestSend_DuplicateOnInsertRace(t *testing.T) {
	f := newServiceFixture(t)
	f.allowPolicy()
	existing := message.Message{ID: "m0", ConversationID: "alice_bob", FromUserID: "alice", ToUserID: "bob", Text: "hi", ClientTempID: "tmp-1"}
	f.store.On("FindByClientTempID", mock.Anything, "alice_bob", "alice", "tmp-1").Return(message.Message{}, ErrNotFound).Once()
	f.store.On("Append", mock.Anything, mock.Anything).Return(message.Message{}, ErrDuplicate)
	f.store.On("FindByClientTempID", mock.Anything, "alice_bob", "alice", "tmp-1").Return(existing, nil).Once()

	got, err := f.svc.Send(context.Background(), "alice_bob", "alice", SendRequest{
		FromUserID: "alice", ToUserID: "bob", Text: "hi", ClientTempID: "tmp-1",
	})
	require.NoError(t, err)
	require.Equal(t, "m0", got.ID)
	f.noEvent(t)
}

func TestSend_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		convID string
		caller string
		req    SendRequest
		kind   error
	}{
		{"malformed id", "abc 123", "alice", SendRequest{FromUserID: "alice", ToUserID: "bob", Text: "hi"}, apperr.ErrValidation},
		{"spoofed sender", "alice_bob", "alice", SendRequest{FromUserID: "bob", ToUserID: "alice", Text: "hi"}, apperr.ErrForbidden},
		{"blank text", "alice_bob", "alice", SendRequest{FromUserID: "alice", ToUserID: "bob", Text: "   "}, apperr.ErrValidation},
		{"too long", "alice_bob", "alice", SendRequest{FromUserID: "alice", ToUserID: "bob", Text: strings.Repeat("x", MaxTextLength+1)}, apperr.ErrValidation},
		{"self message", "alice_alice", "alice", SendRequest{FromUserID: "alice", ToUserID: "alice", Text: "hi"}, apperr.ErrValidation},
		{"wrong conversation", "alice_carol", "alice", SendRequest{FromUserID: "alice", ToUserID: "bob", Text: "hi"}, apperr.ErrValidation},
		{"recipient id with separator", "alice_b_c", "alice", SendRequest{FromUserID: "alice", ToUserID: "b_c", Text: "hi"}, apperr.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture(t)
			_, err := f.svc.Send(context.Background(), tt.convID, tt.caller, tt.req)
			require.ErrorIs(t, err, tt.kind)
			f.store.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
			f.noEvent(t)
		})
	}
}

func TestSend_BlockedAndNotAllowed(t *testing.T) {
	f := newServiceFixture(t)
	f.policy.On("IsBlocked", mock.Anything, "alice", "bob").Return(true, nil)
	_, err := f.svc.Send(context.Background(), "alice_bob", "alice", SendRequest{FromUserID: "alice", ToUserID: "bob", Text: "hi"})
	require.ErrorIs(t, err, apperr.ErrForbidden)

	f = newServiceFixture(t)
	f.policy.On("IsBlocked", mock.Anything, "alice", "bob").Return(false, nil)
	f.policy.On("CanMessage", mock.Anything, "alice", "bob").Return(false, nil)
	_, err = f.svc.Send(context.Background(), "alice_bob", "alice", SendRequest{FromUserID: "alice", ToUserID: "bob", Text: "hi"})
	require.ErrorIs(t, err, apperr.ErrForbidden)
	f.store.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
}

func TestSend_RateLimitedCarriesRetryAfter(t *testing.T) {
	f := newServiceFixture(t)
	f.allowPolicy()
	f.limiter.decision = ratelimit.Decision{Allowed: false, ResetAt: fixedNow.Add(3 * time.Second)}

	_, err := f.svc.Send(context.Background(), "alice_bob", "alice", SendRequest{FromUserID: "alice", ToUserID: "bob", Text: "hi"})
	require.ErrorIs(t, err, apperr.ErrRateLimited)
	d, ok := apperr.RetryAfter(err)
	require.True(t, ok)
	require.Equal(t, 3*time.Second, d)
	f.store.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
}

func TestSend_LimiterOutageFailsOpen(t *testing.T) {
	f := newServiceFixture(t)
	f.allowPolicy()
	f.limiter.err = errors.New("redis down")
	f.store.On("Append", mock.Anything, mock.Anything).Return(func(_ context.Context, m message.Message) message.Message { return m }, nil)

	_, err := f.svc.Send(context.Background(), "alice_bob", "alice", SendRequest{FromUserID: "alice", ToUserID: "bob", Text: "hi"})
	require.NoError(t, err)
	require.Equal(t, envelope.MessageSent, f.nextEvent(t).Type)
}

func TestSend_StoreFailureDoesNotPublish(t *testing.T) {
	f := newServiceFixture(t)
	f.allowPolicy()
	f.store.On("Append", mock.Anything, mock.Anything).Return(message.Message{}, errors.New("db down"))

	_, err := f.svc.Send(context.Background(), "alice_bob", "alice", SendRequest{FromUserID: "alice", ToUserID: "bob", Text: "hi"})
	require.Error(t, err)
	require.Equal(t, 500, apperr.HTTPStatus(err))
	f.noEvent(t)
	require.Empty(t, f.notifier.sent)
}

func TestHistory(t *testing.T) {
	f := newServiceFixture(t)
	page := []message.Message{{ID: "m1", CreatedAt: 1}, {ID: "m2", CreatedAt: 2}}
	f.store.On("Query", mock.Anything, "alice_bob", int64(500), DefaultPageSize).Return(page, nil)

	got, err := f.svc.History(context.Background(), "alice_bob", "bob", 500, 0)
	require.NoError(t, err)
	require.Equal(t, page, got)

	_, err = f.svc.History(context.Background(), "alice_bob", "carol", 0, 20)
	require.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = f.svc.History(context.Background(), "alice_bob", "bob", 0, MaxPageSize+1)
	require.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.svc.History(context.Background(), "alice_bob", "bob", -1, 20)
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestMarkRead_PublishesReceipt(t *testing.T) {
	f := newServiceFixture(t)
	f.store.On("MarkRead", mock.Anything, "alice_bob", "bob", int64(1_699_999_999_000)).Return(int64(2), nil)

	res, err := f.svc.MarkRead(context.Background(), "alice_bob", "bob", 1_699_999_999_000)
	require.NoError(t, err)
	require.Equal(t, int64(2), res.Updated)

	env := f.nextEvent(t)
	require.Equal(t, envelope.MessageRead, env.Type)
	require.Equal(t, "bob", env.UserID)
	rr, err := envelope.ReadOf(env)
	require.NoError(t, err)
	require.Equal(t, int64(1_699_999_999_000), rr.ReadAt)
}

func TestMarkRead_ClampsToNow(t *testing.T) {
	f := newServiceFixture(t)
	f.store.On("MarkRead", mock.Anything, "alice_bob", "bob", fixedNow.UnixMilli()).Return(int64(0), nil)

	res, err := f.svc.MarkRead(context.Background(), "alice_bob", "bob", fixedNow.UnixMilli()+60_000)
	require.NoError(t, err)
	require.Equal(t, fixedNow.UnixMilli(), res.ReadAt)
}

func TestTyping(t *testing.T) {
	f := newServiceFixture(t)

	require.NoError(t, f.svc.Typing(context.Background(), "alice_bob", "alice", true))
	require.Equal(t, envelope.TypingStart, f.nextEvent(t).Type)
	require.NoError(t, f.svc.Typing(context.Background(), "alice_bob", "alice", false))
	require.Equal(t, envelope.TypingStop, f.nextEvent(t).Type)
	require.Equal(t, []string{ratelimit.BucketTyping, ratelimit.BucketTyping}, f.limiter.buckets)

	f.limiter.decision = ratelimit.Decision{Allowed: false}
	require.ErrorIs(t, f.svc.Typing(context.Background(), "alice_bob", "alice", true), apperr.ErrRateLimited)
	f.noEvent(t)
}
