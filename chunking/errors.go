package chunking

import (
	"errors"
	"fmt"
)

// ErrInvalidChunkHeaders is returned for chunks with missing or inconsistent
// chunk headers
var ErrInvalidChunkHeaders = errors.New("chunking: invalid chunk headers")

func invalidHeaders(messageID, reason string) error {
	return fmt.Errorf("%w: message %s: %s", ErrInvalidChunkHeaders, messageID, reason)
}
