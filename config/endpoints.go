package config

import (
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/messaging"
	"github.com/glimte/mmate-bus/reliability"
)

// BatchSettings converts the batch section
func (e EndpointConfig) BatchSettings() messaging.BatchSettings {
	return messaging.BatchSettings{Size: e.Batch.Size, IdleTimeout: e.Batch.IdleTimeout}
}

// ErrorPolicy builds the policy chain of the endpoint. Move policies produce
// through producer. An endpoint without policies gets nil, so every failure
// stops its consumer.
func (e EndpointConfig) ErrorPolicy(producer reliability.EnvelopeProducer, logger *slog.Logger) (reliability.ErrorHandler, error) {
	if len(e.ErrorPolicies) == 0 {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	policies := make([]reliability.ErrorPolicy, 0, len(e.ErrorPolicies))
	for i, p := range e.ErrorPolicies {
		opts := []reliability.PolicyOption{reliability.WithLogger(logger)}
		if p.MaxFailedAttempts > 0 {
			opts = append(opts, reliability.MaxFailedAttempts(p.MaxFailedAttempts))
		}

		switch p.Type {
		case PolicyRetry:
			policies = append(policies, reliability.Retry(p.InitialDelay, p.DelayIncrement, opts...))
		case PolicySkip:
			policies = append(policies, reliability.Skip(opts...))
		case PolicyRethrow:
			policies = append(policies, reliability.Rethrow(opts...))
		case PolicyMove:
			if producer == nil {
				return nil, fmt.Errorf("%w: endpoint %s: move policy needs a producer", ErrInvalidConfig, e.Name)
			}
			policies = append(policies, reliability.Move(producer, contracts.NewEndpoint(p.Target), opts...))
		default:
			return nil, fmt.Errorf("%w: endpoint %s: errorPolicies[%d]: unknown policy %q", ErrInvalidConfig, e.Name, i, p.Type)
		}
	}
	return reliability.NewChain(policies...).With(reliability.WithChainLogger(logger)), nil
}
