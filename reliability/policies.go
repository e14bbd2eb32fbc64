package reliability

import (
	"context"
	"time"

	"github.com/glimte/mmate-bus/contracts"
)

// RetryPolicy processes the failed envelopes again after a delay of
// initialDelay + failedAttempts*delayIncrement
type RetryPolicy struct {
	policyBase
	initialDelay   time.Duration
	delayIncrement time.Duration
}

// Retry creates a retry policy
func Retry(initialDelay, delayIncrement time.Duration, opts ...PolicyOption) *RetryPolicy {
	return &RetryPolicy{
		policyBase:     newPolicyBase("retry", opts),
		initialDelay:   initialDelay,
		delayIncrement: delayIncrement,
	}
}

// Delay returns the wait before the next attempt, never negative
func (p *RetryPolicy) Delay(failedAttempts int) time.Duration {
	delay := p.initialDelay + time.Duration(failedAttempts)*p.delayIncrement
	if delay < 0 {
		return 0
	}
	return delay
}

func (p *RetryPolicy) Apply(ctx context.Context, envelopes []*contracts.InboundEnvelope, err error) (ErrorAction, error) {
	attempts := FailedAttempts(envelopes)
	delay := p.Delay(attempts)

	p.logger.Info("The message(s) will be processed again",
		"messageId", envelopes[0].Headers.MessageID(),
		"failedAttempts", attempts,
		"delay", delay,
		"error", err)

	if serr := Sleep(ctx, delay); serr != nil {
		return ActionRethrow, &PolicyError{Policy: p.name, Op: "delay", Err: serr}
	}
	return ActionRetry, nil
}

// SkipPolicy treats the failed envelopes as handled
type SkipPolicy struct {
	policyBase
}

// Skip creates a skip policy
func Skip(opts ...PolicyOption) *SkipPolicy {
	return &SkipPolicy{policyBase: newPolicyBase("skip", opts)}
}

func (p *SkipPolicy) Apply(_ context.Context, envelopes []*contracts.InboundEnvelope, err error) (ErrorAction, error) {
	for _, env := range envelopes {
		p.logger.Warn("The message(s) will be skipped",
			"messageId", env.Headers.MessageID(),
			"endpoint", env.EndpointName(),
			"failedAttempts", env.Headers.FailedAttempts(),
			"error", err)
	}
	return ActionSkip, nil
}

// RethrowPolicy gives up and stops the consumer
type RethrowPolicy struct {
	policyBase
}

// Rethrow creates a policy that always fails the consumer
func Rethrow(opts ...PolicyOption) *RethrowPolicy {
	return &RethrowPolicy{policyBase: newPolicyBase("rethrow", opts)}
}

func (p *RethrowPolicy) Apply(context.Context, []*contracts.InboundEnvelope, error) (ErrorAction, error) {
	return ActionRethrow, nil
}

// EnvelopeProducer produces an outbound envelope through the producer pipeline
type EnvelopeProducer interface {
	Produce(ctx context.Context, envelope *contracts.OutboundEnvelope) error
}

// TransformFunc mutates a moved envelope before it is produced. Setting
// Message replaces the raw body with the serialized message.
type TransformFunc func(envelope *contracts.OutboundEnvelope, err error)

// MovePolicy produces the failed envelopes to another endpoint, then treats
// them as handled
type MovePolicy struct {
	policyBase
	producer  EnvelopeProducer
	target    contracts.Endpoint
	transform TransformFunc
}

// Move creates a move policy
func Move(producer EnvelopeProducer, target contracts.Endpoint, opts ...PolicyOption) *MovePolicy {
	return &MovePolicy{
		policyBase: newPolicyBase("move", opts),
		producer:   producer,
		target:     target,
	}
}

// Transform sets a hook run on every moved envelope
func (p *MovePolicy) Transform(fn TransformFunc) *MovePolicy {
	p.transform = fn
	return p
}

// Target returns the destination endpoint
func (p *MovePolicy) Target() contracts.Endpoint {
	return p.target
}

func (p *MovePolicy) Apply(ctx context.Context, envelopes []*contracts.InboundEnvelope, err error) (ErrorAction, error) {
	for _, env := range envelopes {
		moved := p.outboundFor(env, err)
		if perr := p.producer.Produce(ctx, moved); perr != nil {
			return ActionRethrow, &PolicyError{
				Policy:    p.name,
				Op:        "produce to " + p.target.Name,
				MessageID: env.Headers.MessageID(),
				Err:       perr,
			}
		}
		p.logger.Info("The message has been moved",
			"messageId", env.Headers.MessageID(),
			"endpoint", env.EndpointName(),
			"target", p.target.Name,
			"error", err)
	}
	return ActionSkip, nil
}

func (p *MovePolicy) outboundFor(env *contracts.InboundEnvelope, err error) *contracts.OutboundEnvelope {
	body := append([]byte(nil), env.RawBody...)
	moved := contracts.NewRawOutboundEnvelope(body, env.Headers, p.target)
	moved.Headers.AddOrReplace(contracts.HeaderSourceEndpoint, env.EndpointName())

	if p.transform != nil {
		p.transform(moved, err)
		if moved.Message != nil {
			moved.RawBody = nil
		}
	}
	return moved
}

var (
	_ ErrorPolicy = (*RetryPolicy)(nil)
	_ ErrorPolicy = (*SkipPolicy)(nil)
	_ ErrorPolicy = (*RethrowPolicy)(nil)
	_ ErrorPolicy = (*MovePolicy)(nil)
)
