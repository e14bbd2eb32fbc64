package messaging

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-bus/contracts"
)

// BatchState is the lifecycle state of a Batch
type BatchState int

const (
	BatchOpen BatchState = iota
	BatchFilling
	BatchClosed
	BatchDispatching
	BatchCommitted
	BatchRolledBack
)

func (s BatchState) String() string {
	switch s {
	case BatchOpen:
		return "open"
	case BatchFilling:
		return "filling"
	case BatchClosed:
		return "closed"
	case BatchDispatching:
		return "dispatching"
	case BatchCommitted:
		return "committed"
	case BatchRolledBack:
		return "rolled-back"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible
func (s BatchState) Terminal() bool {
	return s == BatchCommitted || s == BatchRolledBack
}

// BatchSettings configures consumer batching
type BatchSettings struct {
	// Size closes the batch when reached. Batching is off below 2.
	Size int
	// IdleTimeout closes a non-empty batch when no message arrived for the
	// given duration
	IdleTimeout time.Duration
}

// Enabled reports whether deliveries are grouped
func (s BatchSettings) Enabled() bool {
	return s.Size > 1
}

// Batch groups the envelopes processed and committed as one unit. A batch is
// used once: after Committed or RolledBack it is discarded.
type Batch struct {
	id        string
	maxSize   int
	stamp     bool
	state     BatchState
	envelopes []*contracts.InboundEnvelope
	openedAt  time.Time
}

// NewBatch creates an open batch. Envelopes get the batch headers on Close
// when stampHeaders is set.
func NewBatch(maxSize int, stampHeaders bool) *Batch {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Batch{
		id:       uuid.New().String(),
		maxSize:  maxSize,
		stamp:    stampHeaders,
		state:    BatchOpen,
		openedAt: time.Now(),
	}
}

func (b *Batch) ID() string                              { return b.id }
func (b *Batch) State() BatchState                       { return b.state }
func (b *Batch) Len() int                                { return len(b.envelopes) }
func (b *Batch) Envelopes() []*contracts.InboundEnvelope { return b.envelopes }

// Full reports whether the batch reached its size
func (b *Batch) Full() bool {
	return len(b.envelopes) >= b.maxSize
}

// Add appends env and reports whether the batch is now full
func (b *Batch) Add(env *contracts.InboundEnvelope) (bool, error) {
	if b.state != BatchOpen && b.state != BatchFilling {
		return false, b.invalid("add")
	}
	b.state = BatchFilling
	b.envelopes = append(b.envelopes, env)
	return b.Full(), nil
}

// Close stops accepting envelopes
func (b *Batch) Close() error {
	if b.state != BatchFilling {
		return b.invalid("close")
	}
	b.state = BatchClosed

	if b.stamp {
		size := strconv.Itoa(len(b.envelopes))
		for _, env := range b.envelopes {
			env.Headers.AddOrReplace(contracts.HeaderBatchID, b.id)
			env.Headers.AddOrReplace(contracts.HeaderBatchSize, size)
		}
	}
	return nil
}

// BeginDispatch marks the hand-off to the consumer pipeline
func (b *Batch) BeginDispatch() error {
	if b.state != BatchClosed {
		return b.invalid("dispatch")
	}
	b.state = BatchDispatching
	return nil
}

// Commit marks the batch as successfully handled
func (b *Batch) Commit() error {
	if b.state != BatchDispatching {
		return b.invalid("commit")
	}
	b.state = BatchCommitted
	return nil
}

// Rollback marks the batch as abandoned. Any non-terminal batch can be
// rolled back.
func (b *Batch) Rollback() error {
	if b.state.Terminal() {
		return b.invalid("rollback")
	}
	b.state = BatchRolledBack
	return nil
}

// Offsets returns the highest offset per partition key
func (b *Batch) Offsets() ([]contracts.Offset, error) {
	offsets := make([]contracts.Offset, 0, len(b.envelopes))
	for _, env := range b.envelopes {
		if env.Offset != nil {
			offsets = append(offsets, env.Offset)
		}
	}
	return contracts.LatestOffsets(offsets)
}

func (b *Batch) invalid(op string) error {
	return fmt.Errorf("%w: %s in state %s", ErrInvalidBatchState, op, b.state)
}
