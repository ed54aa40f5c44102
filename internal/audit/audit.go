package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Record is one append-only audit entry. Records are never mutated.
type Record struct {
	EventType   string          `json:"event_type"`
	Entity      string          `json:"entity"`
	EntityID    string          `json:"entity_id"`
	TimestampNs int64           `json:"timestamp_ns"`
	Actor       string          `json:"actor"`
	Details     json.RawMessage `json:"details,omitempty"`
	Outcome     string          `json:"outcome"`
}

// Severity ALERT marks integrity violations in the audit stream.
const OutcomeAlert = "ALERT"

// Repository persists audit records.
type Repository interface {
	SaveAuditRecord(ctx context.Context, r *Record) error
}

// Sink buffers audit records in a bounded in-memory ring and flushes them to
// the repository in the background. When the repository is unreachable the
// process is degraded: the ring keeps absorbing records, overflow increments
// a counter, and the degraded callback fires so the front door can refuse
// new sessions until the sink recovers.
type Sink struct {
	repo Repository

	mu       sync.Mutex
	ring     []Record
	dropped  uint64
	degraded bool

	onDegraded    func(degraded bool)
	flushInterval time.Duration

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewSink creates a sink with the given ring capacity.
func NewSink(repo Repository, capacity int) *Sink {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Sink{
		repo:          repo,
		ring:          make([]Record, 0, capacity),
		flushInterval: time.Second,
		shutdown:      make(chan struct{}),
	}
}

// OnDegraded registers the callback fired when the sink degrades or
// recovers.
func (s *Sink) OnDegraded(fn func(degraded bool)) {
	s.mu.Lock()
	s.onDegraded = fn
	s.mu.Unlock()
}

// Start launches the background flusher.
func (s *Sink) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.Flush(ctx)
			case <-ctx.Done():
				return
			case <-s.shutdown:
				return
			}
		}
	}()
}

// Stop stops the flusher after a final flush.
func (s *Sink) Stop(ctx context.Context) {
	close(s.shutdown)
	s.wg.Wait()
	s.Flush(ctx)
}

// Append records an event. It never blocks and never fails; a full ring
// drops the oldest record and counts the loss.
func (s *Sink) Append(eventType, entity, entityID, actor string, details interface{}, outcome string) {
	var raw json.RawMessage
	if details != nil {
		if data, err := json.Marshal(details); err == nil {
			raw = data
		}
	}

	rec := Record{
		EventType:   eventType,
		Entity:      entity,
		EntityID:    entityID,
		TimestampNs: time.Now().UnixNano(),
		Actor:       actor,
		Details:     raw,
		Outcome:     outcome,
	}

	s.mu.Lock()
	if len(s.ring) == cap(s.ring) {
		copy(s.ring, s.ring[1:])
		s.ring[len(s.ring)-1] = rec
		s.dropped++
	} else {
		s.ring = append(s.ring, rec)
	}
	s.mu.Unlock()
}

// Flush writes buffered records to the repository. A write failure marks
// the sink degraded and leaves the unwritten records buffered.
func (s *Sink) Flush(ctx context.Context) {
	if s.repo == nil {
		s.mu.Lock()
		s.ring = s.ring[:0]
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	pending := make([]Record, len(s.ring))
	copy(pending, s.ring)
	s.mu.Unlock()

	written := 0
	var failed bool
	for i := range pending {
		if err := s.repo.SaveAuditRecord(ctx, &pending[i]); err != nil {
			failed = true
			break
		}
		written++
	}

	s.mu.Lock()
	s.ring = append(s.ring[:0], s.ring[written:]...)
	wasDegraded := s.degraded
	s.degraded = failed
	fn := s.onDegraded
	s.mu.Unlock()

	if fn != nil && failed != wasDegraded {
		fn(failed)
	}
}

// Degraded reports whether the last flush failed.
func (s *Sink) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Dropped returns how many records overflowed the ring.
func (s *Sink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Buffered returns how many records await flushing.
func (s *Sink) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ring)
}
