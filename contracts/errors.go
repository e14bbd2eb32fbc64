package contracts

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidEndpoint = errors.New("contracts: invalid endpoint")
	ErrOffsetMismatch  = errors.New("contracts: offsets are not comparable")
	ErrMissingHeader   = errors.New("contracts: required header missing")
)

// SerializationError is returned when a payload cannot be encoded or decoded.
// It is treated as a transient processing error by the error policies unless
// a policy explicitly excludes it.
type SerializationError struct {
	Op          string
	MessageType string
	Err         error
}

func (e *SerializationError) Error() string {
	if e.MessageType == "" {
		return fmt.Sprintf("serialization %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("serialization %s failed for %s: %v", e.Op, e.MessageType, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// MissingHeaderError reports a header required by a pipeline stage
func MissingHeaderError(name string) error {
	return fmt.Errorf("%w: %s", ErrMissingHeader, name)
}
