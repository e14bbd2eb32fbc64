// Package contracts provides the envelope and header model shared by every
// part of mmate-bus.
//
// The package defines:
//   - Headers: an ordered, multi-valued header list with the well-known names
//   - Endpoint: an immutable, comparable source/destination descriptor
//   - Offset: broker positions ordered within a partition key
//   - InboundEnvelope and OutboundEnvelope: the raw and typed message carriers
//
// Envelopes carry the raw body next to the deserialized message so that error
// policies can re-produce the exact bytes that were consumed.
package contracts
