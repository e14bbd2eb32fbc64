// Package reliability provides the recovery strategies applied when message
// processing fails.
//
// Error policies are arranged in a Chain. The first applicable policy decides
// the ErrorAction returned to the consumer:
//   - Retry: process the same messages again after a linear delay
//   - Skip: treat the messages as handled
//   - Move: produce the raw messages to another endpoint, then skip them
//   - Rethrow: give up and stop the consumer
//
// The package also carries the circuit breaker guarding transport production
// and the backoff policies used for reconnects.
//
// Example usage:
//
//	chain := reliability.NewChain(
//	    reliability.Retry(100*time.Millisecond, 50*time.Millisecond, reliability.MaxFailedAttempts(3)),
//	    reliability.Move(producer, deadLetters, reliability.ApplyTo[*contracts.SerializationError]()),
//	    reliability.Skip(),
//	)
package reliability
