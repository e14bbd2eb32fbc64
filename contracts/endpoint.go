package contracts

import (
	"fmt"
)

// SerializerKind selects the serializer used for an endpoint
type SerializerKind string

const (
	SerializerJSON   SerializerKind = "json"
	SerializerBinary SerializerKind = "binary"
)

// ChunkSettings configures payload splitting for an endpoint.
// A zero Size disables chunking.
type ChunkSettings struct {
	Size             int  `yaml:"size" json:"size"`
	AlwaysAddHeaders bool `yaml:"alwaysAddHeaders" json:"alwaysAddHeaders"`
}

// Enabled reports whether chunking is configured
func (c ChunkSettings) Enabled() bool {
	return c.Size > 0
}

// EncryptionSettings names the key used to encrypt payloads for an endpoint.
// An empty KeyID disables encryption.
type EncryptionSettings struct {
	KeyID string `yaml:"keyId" json:"keyId"`
}

// Enabled reports whether encryption is configured
func (e EncryptionSettings) Enabled() bool {
	return e.KeyID != ""
}

// BrokerSettings carries transport specific addressing
type BrokerSettings struct {
	Exchange     string `yaml:"exchange" json:"exchange,omitempty"`
	ExchangeType string `yaml:"exchangeType" json:"exchangeType,omitempty"`
	RoutingKey   string `yaml:"routingKey" json:"routingKey,omitempty"`
}

// Endpoint is a logical source or destination. It is an immutable value and
// compared by structural equality, so it can be used as a map key.
type Endpoint struct {
	Name       string             `yaml:"name" json:"name"`
	GroupID    string             `yaml:"groupId" json:"groupId,omitempty"`
	Serializer SerializerKind     `yaml:"serializer" json:"serializer,omitempty"`
	Chunk      ChunkSettings      `yaml:"chunk" json:"chunk"`
	Encryption EncryptionSettings `yaml:"encryption" json:"encryption"`
	Broker     BrokerSettings     `yaml:"broker" json:"broker"`
}

// NewEndpoint creates an endpoint with the JSON serializer
func NewEndpoint(name string) Endpoint {
	return Endpoint{Name: name, Serializer: SerializerJSON}
}

// WithGroup returns a copy of the endpoint bound to a consumer group
func (e Endpoint) WithGroup(groupID string) Endpoint {
	e.GroupID = groupID
	return e
}

// WithChunking returns a copy of the endpoint with chunking enabled
func (e Endpoint) WithChunking(size int) Endpoint {
	e.Chunk.Size = size
	return e
}

// WithEncryption returns a copy of the endpoint encrypted with keyID
func (e Endpoint) WithEncryption(keyID string) Endpoint {
	e.Encryption.KeyID = keyID
	return e
}

// ConsumerGroupName identifies the consumer group reading this endpoint.
// Different endpoints never share a group name.
func (e Endpoint) ConsumerGroupName() string {
	if e.GroupID == "" {
		return e.Name
	}
	return e.Name + "|" + e.GroupID
}

// Validate checks the endpoint configuration
func (e Endpoint) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("%w: endpoint name is required", ErrInvalidEndpoint)
	}
	if e.Chunk.Size < 0 {
		return fmt.Errorf("%w: chunk size must not be negative", ErrInvalidEndpoint)
	}
	switch e.Serializer {
	case "", SerializerJSON, SerializerBinary:
	default:
		return fmt.Errorf("%w: unknown serializer %q", ErrInvalidEndpoint, e.Serializer)
	}
	return nil
}

func (e Endpoint) String() string {
	return e.Name
}
