package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"matchtalk/pkg/apperr"
	"matchtalk/pkg/bus"
	"matchtalk/pkg/conversation"
	"matchtalk/pkg/envelope"
	"matchtalk/pkg/message"
	"matchtalk/pkg/metrics"
	"matchtalk/pkg/ratelimit"
)

type Service interface {
	// Authorize checks that userID may attach to conversationID.
	Authorize(ctx context.Context, conversationID, userID string) error
	Send(ctx context.Context, conversationID, callerID string, req SendRequest) (message.Message, error)
	History(ctx context.Context, conversationID, callerID string, before int64, limit int) ([]message.Message, error)
	MarkRead(ctx context.Context, conversationID, callerID string, readAt int64) (ReadResult, error)
	Typing(ctx context.Context, conversationID, callerID string, typing bool) error
}

type Deps struct {
	Store    MessageStore
	Policy   Policy
	Limiter  ratelimit.Limiter
	Bus      bus.Bus
	Notifier Notifier
	Log      *zap.Logger
}

type chatService struct {
	store    MessageStore
	policy   Policy
	limiter  ratelimit.Limiter
	bus      bus.Bus
	notifier Notifier
	log      *zap.Logger
	now      func() time.Time
	newID    func() string
}

func NewService(d Deps) Service {
	s := &chatService{
		store:    d.Store,
		policy:   d.Policy,
		limiter:  d.Limiter,
		bus:      d.Bus,
		notifier: d.Notifier,
		log:      d.Log,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	if s.policy == nil {
		s.policy = AllowAll{}
	}
	if s.limiter == nil {
		s.limiter = ratelimit.Unlimited{}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	s.log = s.log.Named("chat")
	return s
}

func (s *chatService) Authorize(_ context.Context, conversationID, userID string) error {
	if err := conversation.Validate(conversationID); err != nil {
		return err
	}
	if !conversation.IsParticipant(conversationID, userID) {
		return apperr.Forbidden("not a participant of this conversation")
	}
	return nil
}

func (s *chatService) Send(ctx context.Context, conversationID, callerID string, req SendRequest) (message.Message, error) {
	if err := conversation.Validate(conversationID); err != nil {
		return message.Message{}, err
	}
	if req.FromUserID != callerID {
		return message.Message{}, apperr.Forbidden("fromUserId must be the authenticated user")
	}
	if err := validateSend(conversationID, req); err != nil {
		return message.Message{}, err
	}

	blocked, err := s.policy.IsBlocked(ctx, req.FromUserID, req.ToUserID)
	if err != nil {
		return message.Message{}, fmt.Errorf("block check: %w", err)
	}
	if blocked {
		return message.Message{}, apperr.Forbidden("messaging between these users is blocked")
	}
	allowed, err := s.policy.CanMessage(ctx, req.FromUserID, req.ToUserID)
	if err != nil {
		return message.Message{}, fmt.Errorf("permission check: %w", err)
	}
	if !allowed {
		return message.Message{}, apperr.Forbidden("not allowed to message this user")
	}

	// a resubmission of a message that was already stored is not a new send
	if req.ClientTempID != "" {
		existing, err := s.store.FindByClientTempID(ctx, conversationID, req.FromUserID, req.ClientTempID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return message.Message{}, fmt.Errorf("lookup client temp id: %w", err)
		}
	}

	if err := s.checkRate(ctx, callerID, ratelimit.BucketSend); err != nil {
		return message.Message{}, err
	}

	m := message.Message{
		ID:             s.newID(),
		ConversationID: conversationID,
		FromUserID:     req.FromUserID,
		ToUserID:       req.ToUserID,
		Text:           req.Text,
		CreatedAt:      message.Millis(s.now()),
		ClientTempID:   req.ClientTempID,
	}
	stored, err := s.store.Append(ctx, m)
	if errors.Is(err, ErrDuplicate) {
		return s.store.FindByClientTempID(ctx, conversationID, req.FromUserID, req.ClientTempID)
	}
	if err != nil {
		return message.Message{}, fmt.Errorf("store message: %w", err)
	}
	metrics.MessagesSent.Inc()

	env, err := envelope.ForMessage(stored)
	if err == nil {
		err = s.bus.Publish(ctx, conversationID, env)
	}
	if err != nil {
		// the message is committed; subscribers will see it on their next page fetch
		s.log.Warn("publish message_sent failed",
			zap.String("conversation_id", conversationID),
			zap.String("message_id", stored.ID),
			zap.Error(err))
	}

	if s.notifier != nil {
		s.notifier.MessageSent(context.WithoutCancel(ctx), stored)
	}
	return stored, nil
}

func validateSend(conversationID string, req SendRequest) error {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return apperr.Validation("text cannot be empty")
	}
	if utf8.RuneCountInString(req.Text) > MaxTextLength {
		return apperr.Validation("text too long (max %d characters)", MaxTextLength)
	}
	if req.ToUserID == "" {
		return apperr.Validation("toUserId is required")
	}
	if err := conversation.ValidateUser(req.ToUserID); err != nil {
		return err
	}
	if req.ToUserID == req.FromUserID {
		return apperr.Validation("cannot send messages to yourself")
	}
	if conversation.ID(req.FromUserID, req.ToUserID) != conversationID {
		return apperr.Validation("users do not belong to this conversation")
	}
	return nil
}

func (s *chatService) History(ctx context.Context, conversationID, callerID string, before int64, limit int) ([]message.Message, error) {
	if err := s.Authorize(ctx, conversationID, callerID); err != nil {
		return nil, err
	}
	if limit == 0 {
		limit = DefaultPageSize
	}
	if limit < 1 || limit > MaxPageSize {
		return nil, apperr.Validation("limit must be between 1 and %d", MaxPageSize)
	}
	if before < 0 {
		return nil, apperr.Validation("before must be a positive timestamp")
	}

	msgs, err := s.store.Query(ctx, conversationID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	if msgs == nil {
		msgs = []message.Message{}
	}
	return msgs, nil
}

func (s *chatService) MarkRead(ctx context.Context, conversationID, callerID string, readAt int64) (ReadResult, error) {
	if err := s.Authorize(ctx, conversationID, callerID); err != nil {
		return ReadResult{}, err
	}
	now := message.Millis(s.now())
	if readAt <= 0 || readAt > now {
		readAt = now
	}

	updated, err := s.store.MarkRead(ctx, conversationID, callerID, readAt)
	if err != nil {
		return ReadResult{}, fmt.Errorf("mark read: %w", err)
	}

	env, err := envelope.New(envelope.MessageRead, conversationID, callerID, s.now(), envelope.ReadReceipt{ReadAt: readAt})
	if err == nil {
		err = s.bus.Publish(ctx, conversationID, env)
	}
	if err != nil {
		s.log.Warn("publish message_read failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return ReadResult{ReadAt: readAt, Updated: updated}, nil
}

func (s *chatService) Typing(ctx context.Context, conversationID, callerID string, typing bool) error {
	if err := s.Authorize(ctx, conversationID, callerID); err != nil {
		return err
	}
	if err := s.checkRate(ctx, callerID, ratelimit.BucketTyping); err != nil {
		return err
	}

	t := envelope.TypingStop
	if typing {
		t = envelope.TypingStart
	}
	env, err := envelope.New(t, conversationID, callerID, s.now(), nil)
	if err != nil {
		return err
	}
	if err := s.bus.Publish(ctx, conversationID, env); err != nil {
		return apperr.Transient("typing not delivered", err)
	}
	return nil
}

func (s *chatService) checkRate(ctx context.Context, userID, bucket string) error {
	d, err := s.limiter.Check(ctx, userID, bucket)
	if err != nil {
		// fail open when the limiter backend is unreachable
		s.log.Warn("rate limiter unavailable", zap.String("bucket", bucket), zap.Error(err))
		return nil
	}
	if !d.Allowed {
		metrics.RateLimited.WithLabelValues(bucket).Inc()
		return apperr.RateLimited(d.RetryAfter(s.now()))
	}
	return nil
}
