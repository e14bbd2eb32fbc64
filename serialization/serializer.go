package serialization

import (
	"encoding/json"
	"fmt"

	"github.com/glimte/mmate-bus/contracts"
)

// Serializer turns messages into bytes and back. Serialize may add headers
// (message type, content type) that Deserialize relies on.
type Serializer interface {
	Serialize(msg any, headers *contracts.Headers) ([]byte, error)
	Deserialize(data []byte, headers contracts.Headers) (any, error)
}

// JSONSerializer encodes messages as JSON and resolves the decode target from
// the x-message-type header.
type JSONSerializer struct {
	registry *TypeRegistry
}

// NewJSONSerializer creates a JSON serializer backed by registry
func NewJSONSerializer(registry *TypeRegistry) *JSONSerializer {
	if registry == nil {
		registry = NewTypeRegistry()
	}
	return &JSONSerializer{registry: registry}
}

// Serialize implements Serializer
func (s *JSONSerializer) Serialize(msg any, headers *contracts.Headers) ([]byte, error) {
	if msg == nil {
		return nil, nil
	}
	if name, err := s.registry.TypeName(msg); err == nil {
		headers.AddOrReplace(contracts.HeaderMessageType, name)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, &contracts.SerializationError{
			Op:          "serialize",
			MessageType: headers.Value(contracts.HeaderMessageType),
			Err:         err,
		}
	}
	return data, nil
}

// Deserialize implements Serializer
func (s *JSONSerializer) Deserialize(data []byte, headers contracts.Headers) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}

	typeName, ok := headers.Get(contracts.HeaderMessageType)
	if !ok {
		return nil, &contracts.SerializationError{
			Op:  "deserialize",
			Err: contracts.MissingHeaderError(contracts.HeaderMessageType),
		}
	}

	target, err := s.registry.New(typeName)
	if err != nil {
		return nil, &contracts.SerializationError{Op: "deserialize", MessageType: typeName, Err: err}
	}

	if err := json.Unmarshal(data, target); err != nil {
		return nil, &contracts.SerializationError{Op: "deserialize", MessageType: typeName, Err: err}
	}
	return target, nil
}

// BinarySerializer passes binary payloads through untouched and records
// their content type.
type BinarySerializer struct{}

// Serialize implements Serializer
func (BinarySerializer) Serialize(msg any, headers *contracts.Headers) ([]byte, error) {
	switch m := msg.(type) {
	case nil:
		return nil, nil
	case *contracts.BinaryMessage:
		contentType := m.ContentType
		if contentType == "" {
			contentType = contracts.DefaultBinaryContentType
		}
		headers.AddOrReplace(contracts.HeaderContentType, contentType)
		headers.AddOrReplace(contracts.HeaderMessageType, m.MessageType())
		return m.Content, nil
	case []byte:
		headers.AddIfNotExists(contracts.HeaderContentType, contracts.DefaultBinaryContentType)
		return m, nil
	default:
		return nil, &contracts.SerializationError{
			Op:  "serialize",
			Err: fmt.Errorf("binary serializer cannot encode %T", msg),
		}
	}
}

// Deserialize implements Serializer
func (BinarySerializer) Deserialize(data []byte, headers contracts.Headers) (any, error) {
	return contracts.NewBinaryMessage(data, headers.Value(contracts.HeaderContentType)), nil
}

// Serializers resolves the serializer configured for an endpoint
type Serializers struct {
	byKind map[contracts.SerializerKind]Serializer
}

// NewSerializers creates the default JSON and binary serializers
func NewSerializers(registry *TypeRegistry) *Serializers {
	return &Serializers{
		byKind: map[contracts.SerializerKind]Serializer{
			contracts.SerializerJSON:   NewJSONSerializer(registry),
			contracts.SerializerBinary: BinarySerializer{},
		},
	}
}

// With registers or replaces the serializer for kind
func (s *Serializers) With(kind contracts.SerializerKind, serializer Serializer) *Serializers {
	s.byKind[kind] = serializer
	return s
}

// For returns the serializer for an endpoint, JSON when unset
func (s *Serializers) For(endpoint contracts.Endpoint) (Serializer, error) {
	kind := endpoint.Serializer
	if kind == "" {
		kind = contracts.SerializerJSON
	}
	serializer, ok := s.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no serializer for %q", contracts.ErrInvalidEndpoint, kind)
	}
	return serializer, nil
}

// Binary returns the binary serializer
func (s *Serializers) Binary() Serializer {
	return s.byKind[contracts.SerializerBinary]
}
