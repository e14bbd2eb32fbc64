package interceptors

import (
	"context"
	"sort"
)

// Handler is the continuation a behavior invokes to run the rest of the chain
type Handler[C any] func(ctx context.Context, c C) error

// Behavior is a pipeline stage. Behaviors run in ascending SortIndex order and
// decide whether to call next.
type Behavior[C any] interface {
	SortIndex() int
	Handle(ctx context.Context, c C, next Handler[C]) error
}

// BehaviorFunc is a function adapter for Behavior
type BehaviorFunc[C any] struct {
	name  string
	index int
	fn    func(ctx context.Context, c C, next Handler[C]) error
}

// NewBehaviorFunc creates a new function-based behavior
func NewBehaviorFunc[C any](name string, sortIndex int, fn func(ctx context.Context, c C, next Handler[C]) error) *BehaviorFunc[C] {
	return &BehaviorFunc[C]{name: name, index: sortIndex, fn: fn}
}

// SortIndex implements Behavior
func (b *BehaviorFunc[C]) SortIndex() int {
	return b.index
}

// Handle implements Behavior
func (b *BehaviorFunc[C]) Handle(ctx context.Context, c C, next Handler[C]) error {
	return b.fn(ctx, c, next)
}

// Name returns the behavior name for logging and debugging
func (b *BehaviorFunc[C]) Name() string {
	return b.name
}

// Pipeline is an immutable, sorted behavior chain
type Pipeline[C any] struct {
	behaviors []Behavior[C]
}

// NewPipeline sorts behaviors by ascending sort index. Behaviors sharing an
// index keep their registration order.
func NewPipeline[C any](behaviors ...Behavior[C]) *Pipeline[C] {
	sorted := make([]Behavior[C], 0, len(behaviors))
	for _, b := range behaviors {
		if b != nil {
			sorted = append(sorted, b)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SortIndex() < sorted[j].SortIndex()
	})
	return &Pipeline[C]{behaviors: sorted}
}

// With returns a new pipeline with additional behaviors
func (p *Pipeline[C]) With(behaviors ...Behavior[C]) *Pipeline[C] {
	all := make([]Behavior[C], 0, len(p.behaviors)+len(behaviors))
	all = append(all, p.behaviors...)
	all = append(all, behaviors...)
	return NewPipeline(all...)
}

// Behaviors returns the behaviors in execution order
func (p *Pipeline[C]) Behaviors() []Behavior[C] {
	out := make([]Behavior[C], len(p.behaviors))
	copy(out, p.behaviors)
	return out
}

// Len returns the number of behaviors
func (p *Pipeline[C]) Len() int {
	return len(p.behaviors)
}

// Execute runs c through the behaviors and finally through terminal
func (p *Pipeline[C]) Execute(ctx context.Context, c C, terminal Handler[C]) error {
	if terminal == nil {
		terminal = func(context.Context, C) error { return nil }
	}
	if len(p.behaviors) == 0 {
		return terminal(ctx, c)
	}

	// Build the chain in reverse order
	handler := terminal
	for i := len(p.behaviors) - 1; i >= 0; i-- {
		behavior := p.behaviors[i]
		currentHandler := handler
		handler = func(ctx context.Context, c C) error {
			return behavior.Handle(ctx, c, currentHandler)
		}
	}

	return handler(ctx, c)
}
