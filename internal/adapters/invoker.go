package adapters

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/terminal-bench/crisisdispatch/pkg/circuit"
	"github.com/terminal-bench/crisisdispatch/pkg/messaging"
)

// Invoker wraps adapter calls with the retry policy: at most maxAttempts
// tries with exponential backoff, all capped by the step deadline carried in
// the context. A circuit breaker per adapter fails fast when a provider is
// down.
type Invoker struct {
	breakers    *circuit.BreakerGroup
	msg         *messaging.Client
	maxAttempts int
	baseBackoff time.Duration
}

// NewInvoker creates an invoker.
func NewInvoker(msg *messaging.Client, maxAttempts int, baseBackoff time.Duration) *Invoker {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseBackoff <= 0 {
		baseBackoff = 200 * time.Millisecond
	}
	return &Invoker{
		breakers: circuit.NewBreakerGroup(circuit.Config{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			HalfOpenMax: 2,
		}),
		msg:         msg,
		maxAttempts: maxAttempts,
		baseBackoff: baseBackoff,
	}
}

// Invoke runs fn under the named breaker with retries. The returned Receipt
// reflects the final attempt; err is non-nil only when every attempt failed.
func (inv *Invoker) Invoke(ctx context.Context, adapter, requestID string, sessionID uuid.UUID, fn func(context.Context) (Receipt, error)) (Receipt, error) {
	var (
		receipt  Receipt
		lastErr  error
		attempts int
	)

	backoff := inv.baseBackoff
	for attempt := 1; attempt <= inv.maxAttempts; attempt++ {
		attempts = attempt

		err := inv.breakers.Execute(ctx, adapter, func() error {
			var callErr error
			receipt, callErr = fn(ctx)
			return callErr
		})
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err

		if attempt == inv.maxAttempts {
			break
		}

		// Back off, but never past the step deadline.
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			lastErr = ctx.Err()
		case <-timer.C:
			backoff *= 2
			continue
		}
		break
	}

	if lastErr != nil {
		receipt.Delivered = false
		receipt.Error = lastErr.Error()
	}

	if inv.msg != nil {
		inv.msg.Publish(ctx, messaging.SubjectAdapterInvoked, messaging.AdapterEvent{
			Adapter:   adapter,
			RequestID: requestID,
			SessionID: sessionID,
			Delivered: receipt.Delivered,
			Attempts:  attempts,
			Error:     receipt.Error,
			Timestamp: time.Now(),
		})
	}

	return receipt, lastErr
}

// BreakerStates exposes breaker health for stats.
func (inv *Invoker) BreakerStates() map[string]circuit.State {
	return inv.breakers.States()
}
