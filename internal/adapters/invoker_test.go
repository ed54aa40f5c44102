package adapters_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/crisisdispatch/internal/adapters"
	"github.com/terminal-bench/crisisdispatch/pkg/circuit"
)

var errDown = errors.New("provider unreachable")

func TestInvokeSucceedsFirstAttempt(t *testing.T) {
	inv := adapters.NewInvoker(nil, 3, time.Millisecond)

	var calls int32
	receipt, err := inv.Invoke(context.Background(), "sms", "req-1", uuid.New(), func(context.Context) (adapters.Receipt, error) {
		atomic.AddInt32(&calls, 1)
		return adapters.Receipt{Delivered: true, Reference: "ok"}, nil
	})

	require.NoError(t, err)
	assert.True(t, receipt.Delivered)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestInvokeRetriesUntilSuccess(t *testing.T) {
	inv := adapters.NewInvoker(nil, 3, time.Millisecond)

	var calls int32
	receipt, err := inv.Invoke(context.Background(), "sms", "req-1", uuid.New(), func(context.Context) (adapters.Receipt, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return adapters.Receipt{}, errDown
		}
		return adapters.Receipt{Delivered: true}, nil
	})

	require.NoError(t, err)
	assert.True(t, receipt.Delivered)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestInvokeExhaustsAttempts(t *testing.T) {
	inv := adapters.NewInvoker(nil, 3, time.Millisecond)

	var calls int32
	receipt, err := inv.Invoke(context.Background(), "sms", "req-1", uuid.New(), func(context.Context) (adapters.Receipt, error) {
		atomic.AddInt32(&calls, 1)
		return adapters.Receipt{}, errDown
	})

	require.ErrorIs(t, err, errDown)
	assert.False(t, receipt.Delivered)
	assert.NotEmpty(t, receipt.Error)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestInvokeStopsAtDeadline(t *testing.T) {
	inv := adapters.NewInvoker(nil, 5, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var calls int32
	_, err := inv.Invoke(ctx, "sms", "req-1", uuid.New(), func(context.Context) (adapters.Receipt, error) {
		atomic.AddInt32(&calls, 1)
		return adapters.Receipt{}, errDown
	})

	require.Error(t, err)
	assert.Less(t, atomic.LoadInt32(&calls), int32(5))
}

func TestInvokeOpensBreakerAfterRepeatedFailures(t *testing.T) {
	inv := adapters.NewInvoker(nil, 1, time.Millisecond)

	for i := 0; i < 5; i++ {
		inv.Invoke(context.Background(), "voice", "req", uuid.New(), func(context.Context) (adapters.Receipt, error) {
			return adapters.Receipt{}, errDown
		})
	}

	assert.Equal(t, circuit.StateOpen, inv.BreakerStates()["voice"])

	// The open breaker fails fast without reaching the provider.
	var calls int32
	_, err := inv.Invoke(context.Background(), "voice", "req", uuid.New(), func(context.Context) (adapters.Receipt, error) {
		atomic.AddInt32(&calls, 1)
		return adapters.Receipt{Delivered: true}, nil
	})
	require.ErrorIs(t, err, circuit.ErrCircuitOpen)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestStubIdempotency(t *testing.T) {
	set, es, _, _ := adapters.NewStubSet()
	sessionID := uuid.New()

	first, err := set.EmergencyServices.Dispatch(context.Background(), adapters.DispatchRequest{SessionID: sessionID})
	require.NoError(t, err)
	second, err := set.EmergencyServices.Dispatch(context.Background(), adapters.DispatchRequest{SessionID: sessionID})
	require.NoError(t, err)

	assert.Equal(t, first.Reference, second.Reference)
	assert.Len(t, es.Calls(), 1)
}
