package contracts

import "time"

// Message is implemented by payloads that carry their own identity. The id
// becomes x-message-id and the type becomes x-message-type.
type Message interface {
	GetID() string
	GetType() string
}

// KeyedMessage is implemented by payloads that provide a broker key
// (partition key on Kafka and the in-memory transport).
type KeyedMessage interface {
	MessageKey() string
}

// BinaryMessage carries an opaque payload that bypasses serialization
type BinaryMessage struct {
	Content     []byte
	ContentType string
}

// DefaultBinaryContentType is used when a binary message has no content type
const DefaultBinaryContentType = "application/octet-stream"

// NewBinaryMessage wraps content with its content type
func NewBinaryMessage(content []byte, contentType string) *BinaryMessage {
	if contentType == "" {
		contentType = DefaultBinaryContentType
	}
	return &BinaryMessage{Content: content, ContentType: contentType}
}

// MessageType implements the type tag lookup for binary payloads
func (m *BinaryMessage) MessageType() string {
	return "binary"
}

// PingMessageType tags the messages produced by endpoint health checks
const PingMessageType = "mmate.ping"

// PingMessage is produced to outbound endpoints to prove they are reachable.
// Consumers decode it like any registered type and drop it when nobody
// subscribes.
type PingMessage struct {
	Timestamp time.Time `json:"timestamp"`
}

// MessageType implements the type tag lookup
func (PingMessage) MessageType() string {
	return PingMessageType
}
