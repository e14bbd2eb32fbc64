package reliability

import (
	"context"
	"errors"
	"log/slog"

	"github.com/glimte/mmate-bus/contracts"
)

// ErrorAction tells the consumer what to do with a failed batch
type ErrorAction int

const (
	// ActionRethrow stops the consumer without committing
	ActionRethrow ErrorAction = iota
	// ActionRetry processes the same envelopes again
	ActionRetry
	// ActionSkip treats the envelopes as handled
	ActionSkip
)

func (a ErrorAction) String() string {
	switch a {
	case ActionRethrow:
		return "rethrow"
	case ActionRetry:
		return "retry"
	case ActionSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// ErrorPolicy is one entry of an error policy chain
type ErrorPolicy interface {
	Name() string
	// MaxFailedAttempts returns the attempts the policy handles, zero when
	// unlimited
	MaxFailedAttempts() int
	// Matches reports whether the policy filters accept err
	Matches(envelopes []*contracts.InboundEnvelope, err error) bool
	// Apply runs the policy and returns the resulting action
	Apply(ctx context.Context, envelopes []*contracts.InboundEnvelope, err error) (ErrorAction, error)
}

// ErrorHandler maps a processing failure to an ErrorAction
type ErrorHandler interface {
	HandleError(ctx context.Context, envelopes []*contracts.InboundEnvelope, err error) (ErrorAction, error)
}

// PolicyOption configures the filters of an error policy
type PolicyOption func(*policyBase)

// MaxFailedAttempts limits the policy to the first n failed attempts
func MaxFailedAttempts(n int) PolicyOption {
	return func(p *policyBase) {
		p.maxFailedAttempts = n
	}
}

// ApplyTo restricts the policy to errors matching E, as in errors.As
func ApplyTo[E error]() PolicyOption {
	return func(p *policyBase) {
		p.include = append(p.include, matchType[E])
	}
}

// Exclude keeps the policy from handling errors matching E
func Exclude[E error]() PolicyOption {
	return func(p *policyBase) {
		p.exclude = append(p.exclude, matchType[E])
	}
}

// ApplyToErrors restricts the policy to errors wrapping one of targets
func ApplyToErrors(targets ...error) PolicyOption {
	return func(p *policyBase) {
		for _, target := range targets {
			p.include = append(p.include, matchValue(target))
		}
	}
}

// ExcludeErrors keeps the policy from handling errors wrapping one of targets
func ExcludeErrors(targets ...error) PolicyOption {
	return func(p *policyBase) {
		for _, target := range targets {
			p.exclude = append(p.exclude, matchValue(target))
		}
	}
}

// ApplyWhen adds a custom applicability predicate
func ApplyWhen(fn func(envelopes []*contracts.InboundEnvelope, err error) bool) PolicyOption {
	return func(p *policyBase) {
		p.when = append(p.when, fn)
	}
}

// WithLogger sets the policy logger
func WithLogger(logger *slog.Logger) PolicyOption {
	return func(p *policyBase) {
		p.logger = logger
	}
}

func matchType[E error](err error) bool {
	var target E
	return errors.As(err, &target)
}

func matchValue(target error) func(error) bool {
	return func(err error) bool {
		return errors.Is(err, target)
	}
}

// policyBase holds the filters shared by every policy
type policyBase struct {
	name              string
	maxFailedAttempts int
	include           []func(error) bool
	exclude           []func(error) bool
	when              []func([]*contracts.InboundEnvelope, error) bool
	logger            *slog.Logger
}

func newPolicyBase(name string, opts []PolicyOption) policyBase {
	p := policyBase{name: name, logger: slog.Default()}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

func (p *policyBase) Name() string { return p.name }

func (p *policyBase) MaxFailedAttempts() int { return p.maxFailedAttempts }

func (p *policyBase) Matches(envelopes []*contracts.InboundEnvelope, err error) bool {
	if len(p.include) > 0 {
		included := false
		for _, match := range p.include {
			if match(err) {
				included = true
				break
			}
		}
		if !included {
			return false
		}
	}
	for _, match := range p.exclude {
		if match(err) {
			return false
		}
	}
	for _, fn := range p.when {
		if !fn(envelopes, err) {
			return false
		}
	}
	return true
}

// FailedAttempts returns the failed attempts recorded on the first envelope
func FailedAttempts(envelopes []*contracts.InboundEnvelope) int {
	if len(envelopes) == 0 {
		return 0
	}
	return envelopes[0].Headers.FailedAttempts()
}

// Chain tries its policies in order and applies the first applicable one.
// Attempt thresholds are cumulative: a policy with MaxFailedAttempts(n) takes
// over after the attempts of every limited policy before it, whether or not
// that policy matched the error.
type Chain struct {
	policies []ErrorPolicy
	logger   *slog.Logger
}

// ChainOption configures a Chain
type ChainOption func(*Chain)

// WithChainLogger sets the chain logger
func WithChainLogger(logger *slog.Logger) ChainOption {
	return func(c *Chain) {
		c.logger = logger
	}
}

// NewChain creates a policy chain
func NewChain(policies ...ErrorPolicy) *Chain {
	return &Chain{policies: policies, logger: slog.Default()}
}

// With applies chain options
func (c *Chain) With(opts ...ChainOption) *Chain {
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policies returns the chain entries
func (c *Chain) Policies() []ErrorPolicy {
	return c.policies
}

// HandleError implements ErrorHandler. Without an applicable policy the
// action is ActionRethrow.
func (c *Chain) HandleError(ctx context.Context, envelopes []*contracts.InboundEnvelope, err error) (ErrorAction, error) {
	if len(envelopes) == 0 {
		return ActionRethrow, ErrNoEnvelopes
	}

	attempts := FailedAttempts(envelopes)
	threshold := 0
	for _, policy := range c.policies {
		max := policy.MaxFailedAttempts()
		threshold += max
		if max > 0 && attempts > threshold {
			continue
		}
		if !policy.Matches(envelopes, err) {
			continue
		}
		return policy.Apply(ctx, envelopes, err)
	}

	c.logger.Error("No error policy applicable",
		"messageId", envelopes[0].Headers.MessageID(),
		"failedAttempts", attempts,
		"error", err)
	return ActionRethrow, nil
}

var _ ErrorHandler = (*Chain)(nil)
