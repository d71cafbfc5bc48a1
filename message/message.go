package message

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Message is a chat message as persisted and published on the bus.
// It is never mutated after creation.
type Message struct {
	ChannelID string         `json:"channelId" validate:"required"`
	MessageID string         `json:"messageId" validate:"required,number"`
	UserID    string         `json:"userId" validate:"required"`
	Content   string         `json:"content"`
	CreatedAt time.Time      `json:"createdAt"`
	EditedAt  *time.Time     `json:"editedAt"`
	Metadata  map[string]any `json:"metadata"`
}

// New builds a fresh message for sequence seq.
func New(channelID string, seq uint64, userID, content string, createdAt time.Time) Message {
	return Message{
		ChannelID: channelID,
		MessageID: strconv.FormatUint(seq, 10),
		UserID:    userID,
		Content:   content,
		CreatedAt: createdAt,
		Metadata:  map[string]any{},
	}
}

// Seq returns the numeric per-channel sequence behind MessageID.
func (m Message) Seq() (uint64, error) {
	return strconv.ParseUint(m.MessageID, 10, 64)
}

// Decode parses a bus payload. Payloads that are not JSON or miss the
// identifying fields are rejected.
func Decode(payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if err := validate.Struct(m); err != nil {
		return Message{}, fmt.Errorf("invalid message: %w", err)
	}
	if _, err := m.Seq(); err != nil {
		return Message{}, fmt.Errorf("invalid message id %q: %w", m.MessageID, err)
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	return m, nil
}

// Encode serializes the message for the bus.
func Encode(m Message) ([]byte, error) {
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	return json.Marshal(m)
}
