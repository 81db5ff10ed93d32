package message

import (
	"encoding/json"
	"time"
)

// Message is one chat message. CreatedAt and ReadAt are epoch milliseconds.
type Message struct {
	ID             string `json:"_id" bson:"_id"`
	ConversationID string `json:"conversationId" bson:"conversationId"`
	FromUserID     string `json:"fromUserId" bson:"fromUserId"`
	ToUserID       string `json:"toUserId" bson:"toUserId"`
	Text           string `json:"text" bson:"text"`
	CreatedAt      int64  `json:"createdAt" bson:"createdAt"`
	ReadAt         *int64 `json:"readAt,omitempty" bson:"readAt,omitempty"`
	ClientTempID   string `json:"clientTempId,omitempty" bson:"clientTempId,omitempty"`
}

// UnmarshalJSON also accepts "id" for clients that do not use the
// document-store field name.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	var aux struct {
		plain
		AltID string `json:"id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*m = Message(aux.plain)
	if m.ID == "" {
		m.ID = aux.AltID
	}
	return nil
}

// IsRead reports whether the recipient has read up to this message.
func (m Message) IsRead() bool {
	return m.ReadAt != nil && *m.ReadAt >= m.CreatedAt
}

func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

func Time(ms int64) time.Time {
	return time.UnixMilli(ms)
}
