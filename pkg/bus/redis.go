package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"matchtalk/pkg/envelope"
)

// RedisBridge relays publishes between server instances through Redis
// pub/sub. Local subscribers are served by the wrapped Local bus; frames that
// originate from this node are not delivered twice.
type RedisBridge struct {
	local  *Local
	rdb    *redis.Client
	prefix string
	nodeID string
	log    *zap.Logger
}

type bridgeFrame struct {
	Node     string            `json:"node"`
	Envelope envelope.Envelope `json:"envelope"`
}

func NewRedisBridge(local *Local, rdb *redis.Client, prefix string, log *zap.Logger) *RedisBridge {
	if prefix == "" {
		prefix = "matchtalk:conv"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisBridge{
		local:  local,
		rdb:    rdb,
		prefix: prefix,
		nodeID: uuid.NewString(),
		log:    log.Named("bus.redis"),
	}
}

func (r *RedisBridge) channel(conversationID string) string {
	return r.prefix + ":" + conversationID
}

func (r *RedisBridge) Subscribe(conversationID string, h Handler, opts ...SubscribeOption) func() {
	return r.local.Subscribe(conversationID, h, opts...)
}

// Publish delivers locally first, then fans out to the other nodes.
func (r *RedisBridge) Publish(ctx context.Context, conversationID string, env envelope.Envelope) error {
	if err := r.local.Publish(ctx, conversationID, env); err != nil {
		return err
	}
	payload, err := json.Marshal(bridgeFrame{Node: r.nodeID, Envelope: env})
	if err != nil {
		return fmt.Errorf("encode bridge frame: %w", err)
	}
	if err := r.rdb.Publish(ctx, r.channel(conversationID), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Run relays frames from other nodes until ctx is done.
func (r *RedisBridge) Run(ctx context.Context) error {
	ps := r.rdb.PSubscribe(ctx, r.prefix+":*")
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("redis psubscribe: %w", err)
	}
	r.log.Info("relaying conversation events", zap.String("node", r.nodeID))

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.relay(ctx, msg)
		}
	}
}

func (r *RedisBridge) relay(ctx context.Context, msg *redis.Message) {
	var frame bridgeFrame
	if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
		r.log.Warn("dropping malformed bridge frame", zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	if frame.Node == r.nodeID {
		return
	}
	conversationID := strings.TrimPrefix(msg.Channel, r.prefix+":")
	if frame.Envelope.ConversationID != conversationID {
		r.log.Warn("bridge frame conversation mismatch", zap.String("channel", msg.Channel))
		return
	}
	if err := r.local.Publish(ctx, conversationID, frame.Envelope); err != nil {
		r.log.Warn("local relay failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}
