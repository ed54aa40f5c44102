package adapters

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StubEmergencyServices records dispatch requests. Idempotent on session id:
// repeat dispatches return the original receipt.
type StubEmergencyServices struct {
	mu       sync.Mutex
	receipts map[uuid.UUID]Receipt
	calls    []DispatchRequest

	Err   error
	Delay time.Duration
}

// NewStubEmergencyServices creates the stub.
func NewStubEmergencyServices() *StubEmergencyServices {
	return &StubEmergencyServices{receipts: make(map[uuid.UUID]Receipt)}
}

// Dispatch implements EmergencyServices.
func (s *StubEmergencyServices) Dispatch(ctx context.Context, req DispatchRequest) (Receipt, error) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		}
	}
	if s.Err != nil {
		return Receipt{}, s.Err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.receipts[req.SessionID]; ok {
		return prev, nil
	}

	s.calls = append(s.calls, req)
	receipt := Receipt{
		Delivered: true,
		Reference: "es-" + uuid.NewString()[:8],
		AckAt:     time.Now(),
	}
	s.receipts[req.SessionID] = receipt
	return receipt, nil
}

// Calls returns the recorded dispatch requests.
func (s *StubEmergencyServices) Calls() []DispatchRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DispatchRequest(nil), s.calls...)
}

// StubLifeline988 records lifeline notifications, idempotent on session id.
type StubLifeline988 struct {
	mu       sync.Mutex
	receipts map[uuid.UUID]Receipt
	calls    []LifelineRequest

	Err   error
	Delay time.Duration
}

// NewStubLifeline988 creates the stub.
func NewStubLifeline988() *StubLifeline988 {
	return &StubLifeline988{receipts: make(map[uuid.UUID]Receipt)}
}

// Notify implements Lifeline988.
func (s *StubLifeline988) Notify(ctx context.Context, req LifelineRequest) (Receipt, error) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		}
	}
	if s.Err != nil {
		return Receipt{}, s.Err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.receipts[req.SessionID]; ok {
		return prev, nil
	}

	s.calls = append(s.calls, req)
	receipt := Receipt{
		Delivered: true,
		Reference: "988-" + uuid.NewString()[:8],
		AckAt:     time.Now(),
	}
	s.receipts[req.SessionID] = receipt
	return receipt, nil
}

// Calls returns the recorded lifeline requests.
func (s *StubLifeline988) Calls() []LifelineRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LifelineRequest(nil), s.calls...)
}

// StubContactNotifier records contact notifications.
type StubContactNotifier struct {
	mu    sync.Mutex
	calls []ContactNotification

	Err   error
	Delay time.Duration
}

// NewStubContactNotifier creates the stub.
func NewStubContactNotifier() *StubContactNotifier {
	return &StubContactNotifier{}
}

// Notify implements ContactNotifier.
func (s *StubContactNotifier) Notify(ctx context.Context, n ContactNotification) (Receipt, error) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		}
	}
	if s.Err != nil {
		return Receipt{}, s.Err
	}

	s.mu.Lock()
	s.calls = append(s.calls, n)
	s.mu.Unlock()

	return Receipt{
		Delivered: true,
		Reference: "notify-" + uuid.NewString()[:8],
		AckAt:     time.Now(),
	}, nil
}

// Calls returns the recorded notifications.
func (s *StubContactNotifier) Calls() []ContactNotification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ContactNotification(nil), s.calls...)
}

// NewStubSet bundles fresh stubs for tests.
func NewStubSet() (Set, *StubEmergencyServices, *StubLifeline988, *StubContactNotifier) {
	es := NewStubEmergencyServices()
	lifeline := NewStubLifeline988()
	notifier := NewStubContactNotifier()
	return Set{
		EmergencyServices: es,
		Lifeline988:       lifeline,
		ContactNotifier:   notifier,
	}, es, lifeline, notifier
}
