package pushstream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"matchtalk/pkg/bus"
	"matchtalk/pkg/envelope"
	"matchtalk/pkg/message"
)

type recordingSink struct {
	mu         sync.Mutex
	frames     [][]byte
	heartbeats int
	sendErr    error
	wrote      chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{wrote: make(chan struct{}, 64)}
}

func (s *recordingSink) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.frames = append(s.frames, frame)
	s.wrote <- struct{}{}
	return nil
}

func (s *recordingSink) Heartbeat() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
	return nil
}

func (s *recordingSink) snapshot() ([][]byte, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...), s.heartbeats
}

func waitFrames(t *testing.T, s *recordingSink, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.wrote:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i+1)
		}
	}
}

func waitSubscribers(t *testing.T, b *bus.Local, id string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return b.Subscribers(id) == n }, 2*time.Second, 5*time.Millisecond)
}

func runSession(s *Session, ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return done
}

func TestSession_WritesEnvelopesInPublishOrder(t *testing.T) {
	b := bus.NewLocal(16, nil)
	sink := newRecordingSink()
	ctx, cancel := context.WithCancel(context.Background())
	done := runSession(NewSession(b, "a_b", "a", sink, Config{Heartbeat: time.Hour}, nil), ctx)
	waitSubscribers(t, b, "a_b", 1)

	for i := 1; i <= 3; i++ {
		env, err := envelope.New(envelope.TypingStart, "a_b", "b", time.UnixMilli(int64(i)), nil)
		require.NoError(t, err)
		require.NoError(t, b.Publish(context.Background(), "a_b", env))
	}
	waitFrames(t, sink, 3)

	frames, heartbeats := sink.snapshot()
	require.Equal(t, 1, heartbeats, "stream opens with a keepalive")
	for i, frame := range frames {
		env, err := envelope.Decode(frame, "a_b")
		require.NoError(t, err)
		require.EqualValues(t, i+1, env.CreatedAt)
	}

	cancel()
	require.NoError(t, <-done)
}

func TestSession_UnsubscribesWhenClientDisconnects(t *testing.T) {
	b := bus.NewLocal(4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := runSession(NewSession(b, "a_b", "a", newRecordingSink(), Config{Heartbeat: time.Hour}, nil), ctx)
	waitSubscribers(t, b, "a_b", 1)

	cancel()
	require.NoError(t, <-done)
	require.Zero(t, b.Subscribers("a_b"))
}

func TestSession_EmitsHeartbeats(t *testing.T) {
	b := bus.NewLocal(4, nil)
	sink := newRecordingSink()
	ctx, cancel := context.WithCancel(context.Background())
	done := runSession(NewSession(b, "a_b", "a", sink, Config{Heartbeat: 10 * time.Millisecond}, nil), ctx)

	require.Eventually(t, func() bool {
		_, hb := sink.snapshot()
		return hb >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestSession_SinkErrorEndsSessionAndUnsubscribes(t *testing.T) {
	b := bus.NewLocal(4, nil)
	sink := newRecordingSink()
	sink.sendErr = errors.New("broken pipe")
	done := runSession(NewSession(b, "a_b", "a", sink, Config{Heartbeat: time.Hour}, nil), context.Background())
	waitSubscribers(t, b, "a_b", 1)

	env, err := envelope.New(envelope.TypingStop, "a_b", "b", time.Now(), nil)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), "a_b", env))

	select {
	case err := <-done:
		require.ErrorContains(t, err, "broken pipe")
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop on sink error")
	}
	require.Zero(t, b.Subscribers("a_b"))
}

func TestSession_ReturnsErrDroppedWhenBusCloses(t *testing.T) {
	b := bus.NewLocal(4, nil)
	done := runSession(NewSession(b, "a_b", "a", newRecordingSink(), Config{Heartbeat: time.Hour}, nil), context.Background())
	waitSubscribers(t, b, "a_b", 1)

	b.Close()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrDropped)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop when bus closed")
	}
}

func TestSession_AcknowledgesDeliveryToRecipient(t *testing.T) {
	b := bus.NewLocal(16, nil)
	acks := make(chan envelope.Envelope, 4)
	defer b.Subscribe("a_b", func(e envelope.Envelope) {
		if e.Type == envelope.MessageDelivered {
			acks <- e
		}
	})()

	sink := newRecordingSink()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runSession(NewSession(b, "a_b", "b", sink, Config{Heartbeat: time.Hour}, nil), ctx)
	waitSubscribers(t, b, "a_b", 2)

	env, err := envelope.ForMessage(message.Message{ID: "m1", ConversationID: "a_b", FromUserID: "a", ToUserID: "b", Text: "hi", CreatedAt: 1})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), "a_b", env))

	select {
	case ack := <-acks:
		require.Equal(t, "b", ack.UserID)
		d, err := envelope.DeliveredOf(ack)
		require.NoError(t, err)
		require.Equal(t, "m1", d.MessageID)
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery acknowledgement")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	releaseA := r.Add("a", "a_b")
	releaseA2 := r.Add("a", "a_c")
	releaseB := r.Add("b", "a_b")

	require.True(t, r.IsOnline("a"))
	require.True(t, r.Watching("a", "a_c"))
	require.False(t, r.Watching("b", "a_c"))
	require.Equal(t, []string{"a", "b"}, r.OnlineUsers())

	releaseA()
	releaseA()
	require.True(t, r.IsOnline("a"))
	releaseA2()
	require.False(t, r.IsOnline("a"))
	releaseB()
	require.Empty(t, r.OnlineUsers())
}
