package chat

import (
	"context"
	"slices"
	"sort"
	"sync"

	"matchtalk/pkg/message"
)

// MemoryMessageStore keeps messages in process. Used by tests and by
// STORE_DRIVER=memory for local development.
type MemoryMessageStore struct {
	mu    sync.RWMutex
	convs map[string][]message.Message // sorted by CreatedAt
}

func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{convs: make(map[string][]message.Message)}
}

func (s *MemoryMessageStore) Append(_ context.Context, m message.Message) (message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.convs[m.ConversationID]
	if m.ClientTempID != "" {
		for _, existing := range msgs {
			if existing.FromUserID == m.FromUserID && existing.ClientTempID == m.ClientTempID {
				return message.Message{}, ErrDuplicate
			}
		}
	}
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].CreatedAt > m.CreatedAt })
	s.convs[m.ConversationID] = slices.Insert(msgs, i, m)
	return m, nil
}

func (s *MemoryMessageStore) Query(_ context.Context, conversationID string, before int64, limit int) ([]message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.convs[conversationID]
	end := len(msgs)
	if before > 0 {
		end = sort.Search(len(msgs), func(i int) bool { return msgs[i].CreatedAt >= before })
	}
	start := max(end-limit, 0)
	return slices.Clone(msgs[start:end]), nil
}

func (s *MemoryMessageStore) FindByClientTempID(_ context.Context, conversationID, fromUserID, clientTempID string) (message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.convs[conversationID] {
		if m.FromUserID == fromUserID && m.ClientTempID == clientTempID {
			return m, nil
		}
	}
	return message.Message{}, ErrNotFound
}

func (s *MemoryMessageStore) MarkRead(_ context.Context, conversationID, readerID string, readAt int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	msgs := s.convs[conversationID]
	for i := range msgs {
		m := &msgs[i]
		if m.ToUserID != readerID || m.ReadAt != nil || m.CreatedAt > readAt {
			continue
		}
		at := readAt
		m.ReadAt = &at
		n++
	}
	return n, nil
}
