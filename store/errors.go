package store

import (
	"errors"
	"fmt"
)

var (
	ErrUnitCommitted  = errors.New("store: unit of work already committed")
	ErrUnitRolledBack = errors.New("store: unit of work already rolled back")
	ErrNotFound       = errors.New("store: record not found")
	ErrInvalidRecord  = errors.New("store: invalid record")

	ErrNotConnected     = errors.New("store: not connected")
	ErrAlreadyConnected = errors.New("store: already connected")

	ErrLockNotAcquired = errors.New("lock: held by another owner")
	ErrLockLost        = errors.New("lock: ownership lost")
)

// StoreError adds the failing operation to a persistence error
type StoreError struct {
	Store string
	Op    string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Store, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Wrap returns nil for a nil err and a StoreError otherwise
func Wrap(store, op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Store: store, Op: op, Err: err}
}
