package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"matchtalk/pkg/apperr"
	"matchtalk/pkg/message"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, msg message.Message) (message.Message, error) {
	args := m.Called(msg.ClientTempID)
	return args.Get(0).(message.Message), args.Error(1)
}

type recordingTracker struct {
	mu     sync.Mutex
	sent   map[string]message.Message
	failed map[string]error
}

func newRecordingTracker() *recordingTracker {
	return &recordingTracker{sent: map[string]message.Message{}, failed: map[string]error{}}
}

func (r *recordingTracker) MarkSent(tempID string, confirmed message.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent[tempID] = confirmed
	return nil
}

func (r *recordingTracker) MarkFailed(tempID string, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[tempID] = cause
	return nil
}

func outbound(tempID string) message.Message {
	return message.Message{ConversationID: "alice_bob", FromUserID: "alice", ToUserID: "bob", Text: "hi", ClientTempID: tempID}
}

var errTransient = apperr.Transient("send message", errors.New("status 503"))

func TestPipeline_RetriesTransientThenSucceeds(t *testing.T) {
	sender := &mockSender{}
	tracker := newRecordingTracker()
	stored := message.Message{ID: "m1", ClientTempID: "tmp-1", Text: "hi"}
	sender.On("Send", "tmp-1").Return(message.Message{}, errTransient).Twice()
	sender.On("Send", "tmp-1").Return(stored, nil).Once()

	var attempts []int
	p := NewPipeline(sender, tracker, Options{
		BaseDelay: time.Millisecond,
		OnAttemptFailed: func(m message.Message, attempt int, err error, next time.Duration) {
			require.ErrorIs(t, err, apperr.ErrTransient)
			attempts = append(attempts, attempt)
		},
	})
	defer p.Close()

	got, err := p.Send(context.Background(), outbound("tmp-1"))
	require.NoError(t, err)
	require.Equal(t, "m1", got.ID)
	require.Equal(t, []int{1, 2}, attempts)
	require.Equal(t, "m1", tracker.sent["tmp-1"].ID)
	require.Empty(t, tracker.failed)
	sender.AssertNumberOfCalls(t, "Send", 3)
}

func TestPipeline_GivesUpAfterThreeAttempts(t *testing.T) {
	sender := &mockSender{}
	tracker := newRecordingTracker()
	sender.On("Send", "tmp-1").Return(message.Message{}, errTransient)

	notified := 0
	p := NewPipeline(sender, tracker, Options{
		BaseDelay:       time.Millisecond,
		OnAttemptFailed: func(message.Message, int, error, time.Duration) { notified++ },
	})
	defer p.Close()

	_, err := p.Send(context.Background(), outbound("tmp-1"))
	require.ErrorIs(t, err, apperr.ErrTransient)
	sender.AssertNumberOfCalls(t, "Send", 3)
	require.Equal(t, 2, notified)
	require.ErrorIs(t, tracker.failed["tmp-1"], apperr.ErrTransient)
	require.Empty(t, tracker.sent)
}

func TestPipeline_DoesNotRetryPermanentErrors(t *testing.T) {
	cases := map[string]error{
		"validation": apperr.Validation("text must not be empty"),
		"auth":       apperr.Unauthorized("token expired"),
		"forbidden":  apperr.Forbidden("blocked"),
		"rate limit": apperr.RateLimited(3 * time.Second),
	}
	for name, sendErr := range cases {
		t.Run(name, func(t *testing.T) {
			sender := &mockSender{}
			tracker := newRecordingTracker()
			sender.On("Send", "tmp-1").Return(message.Message{}, sendErr)

			p := NewPipeline(sender, tracker, Options{BaseDelay: time.Millisecond})
			defer p.Close()

			_, err := p.Send(context.Background(), outbound("tmp-1"))
			require.ErrorIs(t, err, sendErr)
			sender.AssertNumberOfCalls(t, "Send", 1)
			require.ErrorIs(t, tracker.failed["tmp-1"], sendErr)
		})
	}
}

func TestPipeline_CloseFailsPendingRetries(t *testing.T) {
	sender := &mockSender{}
	tracker := newRecordingTracker()
	called := make(chan struct{})
	var once sync.Once
	sender.On("Send", "tmp-1").Run(func(mock.Arguments) {
		once.Do(func() { close(called) })
	}).Return(message.Message{}, errTransient)

	p := NewPipeline(sender, tracker, Options{BaseDelay: time.Hour})
	p.Dispatch(outbound("tmp-1"))

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("send was never attempted")
	}

	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not abort the retry wait")
	}
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	require.ErrorIs(t, tracker.failed["tmp-1"], context.Canceled)
}

func TestPipeline_DispatchAfterCloseMarksFailed(t *testing.T) {
	sender := &mockSender{}
	tracker := newRecordingTracker()
	p := NewPipeline(sender, tracker, Options{})
	p.Close()

	p.Dispatch(outbound("tmp-1"))
	p.Close()

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	require.ErrorIs(t, tracker.failed["tmp-1"], ErrClosed)
	sender.AssertNotCalled(t, "Send", mock.Anything)
}

func TestPipeline_DispatchRacingClose(t *testing.T) {
	sender := &mockSender{}
	sender.On("Send", mock.Anything).Return(message.Message{ID: "m1"}, nil).Maybe()
	tracker := newRecordingTracker()
	p := NewPipeline(sender, tracker, Options{})

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Dispatch(outbound(fmt.Sprintf("tmp-%d", i)))
		}()
	}
	p.Close()
	wg.Wait()
	p.Close()

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	// every message ends up either sent or failed
	require.Equal(t, 50, len(tracker.sent)+len(tracker.failed))
}

// blockingSender lets a test observe whether two sends overlap.
type blockingSender struct {
	mu      sync.Mutex
	active  int
	overlap bool
	release chan struct{}
}

func (s *blockingSender) Send(ctx context.Context, m message.Message) (message.Message, error) {
	s.mu.Lock()
	s.active++
	if s.active > 1 {
		s.overlap = true
	}
	s.mu.Unlock()

	<-s.release

	s.mu.Lock()
	s.active--
	s.mu.Unlock()
	return message.Message{ID: "m-" + m.ClientTempID, ClientTempID: m.ClientTempID}, nil
}

func TestPipeline_SerializesSameMessage(t *testing.T) {
	sender := &blockingSender{release: make(chan struct{})}
	p := NewPipeline(sender, newRecordingTracker(), Options{})

	p.Dispatch(outbound("tmp-1"))
	p.Dispatch(outbound("tmp-1"))
	time.Sleep(20 * time.Millisecond)
	close(sender.release)
	p.Close()

	require.False(t, sender.overlap)
}

func TestStatus_Transitions(t *testing.T) {
	allowed := [][2]Status{
		{StatusPending, StatusSent},
		{StatusPending, StatusFailed},
		{StatusSent, StatusDelivered},
		{StatusSent, StatusRead},
		{StatusDelivered, StatusRead},
		{StatusFailed, StatusPending},
		{StatusFailed, StatusSent},
	}
	for _, tr := range allowed {
		got, err := tr[0].Advance(tr[1])
		require.NoError(t, err, "%s -> %s", tr[0], tr[1])
		require.Equal(t, tr[1], got)
	}

	rejected := [][2]Status{
		{StatusPending, StatusRead},
		{StatusPending, StatusDelivered},
		{StatusRead, StatusSent},
		{StatusDelivered, StatusSent},
		{StatusSent, StatusPending},
		{StatusNone, StatusSent},
	}
	for _, tr := range rejected {
		got, err := tr[0].Advance(tr[1])
		require.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", tr[0], tr[1])
		require.Equal(t, tr[0], got)
	}

	require.True(t, StatusRead.Terminal())
	require.True(t, StatusFailed.Terminal())
	require.False(t, StatusSent.Terminal())
}
