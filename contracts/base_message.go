package contracts

import (
	"time"

	"github.com/google/uuid"
)

// BaseMessage can be embedded by application payloads to satisfy Message.
// Payloads without it get a generated x-message-id and the registered type
// name instead.
type BaseMessage struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurredAt"`
}

// NewBaseMessage stamps a fresh id and the current UTC time
func NewBaseMessage(messageType string) BaseMessage {
	return BaseMessage{
		ID:         uuid.NewString(),
		Type:       messageType,
		OccurredAt: time.Now().UTC(),
	}
}

func (m BaseMessage) GetID() string   { return m.ID }
func (m BaseMessage) GetType() string { return m.Type }
