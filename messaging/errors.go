package messaging

import (
	"errors"
	"fmt"
)

var (
	ErrRouting            = errors.New("messaging: routing failed")
	ErrConsumerRunning    = errors.New("messaging: consumer already started")
	ErrConsumerNotRunning = errors.New("messaging: consumer not running")
	ErrInvalidBatchState  = errors.New("messaging: invalid batch state transition")
	ErrNoConnector        = errors.New("messaging: no connector for outbound envelope")
	ErrMissingMessageID   = errors.New("messaging: message id header missing")
	ErrNilMessage         = errors.New("messaging: message cannot be nil")
	ErrHandlerPanicked    = errors.New("messaging: handler panicked")
)

// RoutingError reports a failing outbound router. Routing errors are not
// retried.
type RoutingError struct {
	MessageType string
	Err         error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing %s: %v", e.MessageType, e.Err)
}

func (e *RoutingError) Unwrap() []error {
	return []error{ErrRouting, e.Err}
}

// ConsumerStoppedError is returned when a consumer gives up after an
// unrecoverable failure. The consumer must be started again explicitly.
type ConsumerStoppedError struct {
	Endpoint string
	BatchID  string
	Err      error
}

func (e *ConsumerStoppedError) Error() string {
	return fmt.Sprintf("consumer %s stopped processing batch %s: %v", e.Endpoint, e.BatchID, e.Err)
}

func (e *ConsumerStoppedError) Unwrap() error {
	return e.Err
}

// ProduceError reports a failed transport production
type ProduceError struct {
	Endpoint  string
	MessageID string
	Err       error
}

func (e *ProduceError) Error() string {
	return fmt.Sprintf("produce message %s to %s: %v", e.MessageID, e.Endpoint, e.Err)
}

func (e *ProduceError) Unwrap() error {
	return e.Err
}
