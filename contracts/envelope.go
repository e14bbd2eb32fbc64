package contracts

import (
	"github.com/google/uuid"
)

// Envelope is the processing unit flowing through the pipelines. It is
// implemented only by InboundEnvelope and OutboundEnvelope.
type Envelope interface {
	GetRawBody() []byte
	SetRawBody(body []byte)
	GetHeaders() *Headers
	GetEndpoint() Endpoint
	GetMessage() any
	isEnvelope()
}

// InboundEnvelope wraps a consumed message. It starts in raw form and gets its
// Message set once deserialized; the raw body is kept until DiscardRaw.
type InboundEnvelope struct {
	RawBody            []byte
	Headers            Headers
	Endpoint           Endpoint
	ActualEndpointName string
	Offset             Offset
	Message            any
}

// NewInboundEnvelope creates a raw inbound envelope
func NewInboundEnvelope(body []byte, headers Headers, endpoint Endpoint, actualEndpointName string, offset Offset) *InboundEnvelope {
	if actualEndpointName == "" {
		actualEndpointName = endpoint.Name
	}
	return &InboundEnvelope{
		RawBody:            body,
		Headers:            headers,
		Endpoint:           endpoint,
		ActualEndpointName: actualEndpointName,
		Offset:             offset,
	}
}

func (e *InboundEnvelope) GetRawBody() []byte     { return e.RawBody }
func (e *InboundEnvelope) SetRawBody(body []byte) { e.RawBody = body }
func (e *InboundEnvelope) GetHeaders() *Headers   { return &e.Headers }
func (e *InboundEnvelope) GetEndpoint() Endpoint  { return e.Endpoint }
func (e *InboundEnvelope) GetMessage() any        { return e.Message }
func (e *InboundEnvelope) isEnvelope()            {}

// IsDeserialized reports whether the typed message is available
func (e *InboundEnvelope) IsDeserialized() bool {
	return e.Message != nil
}

// DiscardRaw drops the raw body of a deserialized envelope
func (e *InboundEnvelope) DiscardRaw() {
	if e.IsDeserialized() {
		e.RawBody = nil
	}
}

// EndpointName returns the physical endpoint the message was read from
func (e *InboundEnvelope) EndpointName() string {
	if e.ActualEndpointName != "" {
		return e.ActualEndpointName
	}
	return e.Endpoint.Name
}

// Clone returns a copy with independent headers and body
func (e *InboundEnvelope) Clone() *InboundEnvelope {
	c := *e
	c.Headers = e.Headers.Clone()
	if e.RawBody != nil {
		c.RawBody = append([]byte(nil), e.RawBody...)
	}
	return &c
}

// OutboundEnvelope wraps a message being produced to an endpoint
type OutboundEnvelope struct {
	Message  any
	RawBody  []byte
	Headers  Headers
	Endpoint Endpoint
	// Offset is set once the transport acknowledged the message
	Offset Offset
	// PublishToInternalBus also delivers the envelope to local subscribers
	PublishToInternalBus bool
}

// NewOutboundEnvelope wraps msg for endpoint. The headers are copied and the
// message identity headers are added when missing.
func NewOutboundEnvelope(msg any, headers Headers, endpoint Endpoint) *OutboundEnvelope {
	env := &OutboundEnvelope{
		Message:  msg,
		Headers:  headers.Clone(),
		Endpoint: endpoint,
	}
	EnsureIdentityHeaders(&env.Headers, msg)
	return env
}

// NewRawOutboundEnvelope wraps an already serialized body
func NewRawOutboundEnvelope(body []byte, headers Headers, endpoint Endpoint) *OutboundEnvelope {
	env := &OutboundEnvelope{
		RawBody:  body,
		Headers:  headers.Clone(),
		Endpoint: endpoint,
	}
	EnsureIdentityHeaders(&env.Headers, nil)
	return env
}

func (e *OutboundEnvelope) GetRawBody() []byte     { return e.RawBody }
func (e *OutboundEnvelope) SetRawBody(body []byte) { e.RawBody = body }
func (e *OutboundEnvelope) GetHeaders() *Headers   { return &e.Headers }
func (e *OutboundEnvelope) GetEndpoint() Endpoint  { return e.Endpoint }
func (e *OutboundEnvelope) GetMessage() any        { return e.Message }
func (e *OutboundEnvelope) isEnvelope()            {}

// Clone returns a copy with independent headers and body
func (e *OutboundEnvelope) Clone() *OutboundEnvelope {
	c := *e
	c.Headers = e.Headers.Clone()
	if e.RawBody != nil {
		c.RawBody = append([]byte(nil), e.RawBody...)
	}
	return &c
}

// MessageTypeOf returns the static type tag of msg, if it declares one
func MessageTypeOf(msg any) string {
	switch m := msg.(type) {
	case Message:
		return m.GetType()
	case interface{ MessageType() string }:
		return m.MessageType()
	}
	return ""
}

// EnsureIdentityHeaders adds x-message-id and x-message-type when missing
func EnsureIdentityHeaders(headers *Headers, msg any) {
	if !headers.Contains(HeaderMessageID) {
		id := ""
		if m, ok := msg.(Message); ok {
			id = m.GetID()
		}
		if id == "" {
			id = uuid.New().String()
		}
		headers.Add(HeaderMessageID, id)
	}
	if !headers.Contains(HeaderMessageType) {
		if t := MessageTypeOf(msg); t != "" {
			headers.Add(HeaderMessageType, t)
		}
	}
}
