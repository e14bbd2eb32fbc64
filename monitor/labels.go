package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/glimte/mmate-bus/messaging"
)

// ErrorType returns a low-cardinality label for err: the Go type of its root
// cause, or "canceled" and "deadline_exceeded" for context errors.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	case errors.Is(err, messaging.ErrHandlerPanicked):
		return "panic"
	}

	for {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	name := fmt.Sprintf("%T", err)
	if name == "*errors.errorString" {
		return "error"
	}
	return strings.TrimPrefix(name, "*")
}
