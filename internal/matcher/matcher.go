package matcher

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/terminal-bench/crisisdispatch/internal/registry"
	"github.com/terminal-bench/crisisdispatch/pkg/messaging"
)

// Urgency orders waiting sessions.
type Urgency string

const (
	UrgencyLow      Urgency = "LOW"
	UrgencyNormal   Urgency = "NORMAL"
	UrgencyHigh     Urgency = "HIGH"
	UrgencyCritical Urgency = "CRITICAL"
)

// urgencyOrder drains queues highest first.
var urgencyOrder = []Urgency{UrgencyCritical, UrgencyHigh, UrgencyNormal, UrgencyLow}

// Scoring weights, reproduced literally from the clinical product decision.
var (
	weightAvailability   = decimal.NewFromFloat(0.40)
	weightResponseRate   = decimal.NewFromFloat(0.30)
	weightRating         = decimal.NewFromFloat(0.20)
	weightSpecialization = decimal.NewFromFloat(0.10)
)

// Criteria describes what the session needs from a responder.
type Criteria struct {
	SessionID       uuid.UUID
	Severity        int
	Keywords        []string
	Urgency         Urgency
	Languages       []string
	Specializations []string
}

// Match is a successful assignment candidate, already reserved.
type Match struct {
	Volunteer registry.Volunteer
	Score     decimal.Decimal
	Emergency bool
	ElapsedMs int64
}

// Config tunes the matcher.
type Config struct {
	EmergencyTarget time.Duration
	StandardTarget  time.Duration
	MinScore        float64
	MaxCandidates   int
	QueueLimit      int
}

// Result is what a dispatch attempt produced: a match, or a queue slot.
type Result struct {
	Match         *Match
	Queued        bool
	QueuePosition int
	EstimatedWait time.Duration
}

type waiter struct {
	criteria   Criteria
	emergency  bool
	enqueuedAt time.Time
}

// Matcher scores candidates from the registry snapshot and maintains the
// per-urgency FIFO wait queues for sessions that could not be matched.
type Matcher struct {
	reg *registry.Registry
	msg *messaging.Client
	cfg Config

	mu      sync.Mutex
	queues  map[Urgency][]*waiter
	onMatch func(Criteria, Match)

	statsMu        sync.Mutex
	attempts       int64
	successes      int64
	deadlineMisses int64
}

// New creates a matcher over the registry. The registry's change
// notifications drive queue draining.
func New(reg *registry.Registry, msg *messaging.Client, cfg Config) *Matcher {
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 20
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = 0.6
	}

	m := &Matcher{
		reg:    reg,
		msg:    msg,
		cfg:    cfg,
		queues: make(map[Urgency][]*waiter),
	}
	reg.OnChange(m.ProcessQueue)
	return m
}

// OnMatch registers the callback invoked when a queued session is matched.
func (m *Matcher) OnMatch(fn func(Criteria, Match)) {
	m.mu.Lock()
	m.onMatch = fn
	m.mu.Unlock()
}

// FindBestMatch scores candidates and atomically reserves the winner.
// It returns nil only when no candidate meets the minimum score threshold
// or the registry is empty; it never returns an error.
func (m *Matcher) FindBestMatch(ctx context.Context, criteria Criteria, isEmergency bool) *Match {
	start := time.Now()

	m.statsMu.Lock()
	m.attempts++
	m.statsMu.Unlock()

	if m.reg.Stale() {
		// One synchronous refresh; a failed refresh leaves the old snapshot.
		m.reg.Refresh(ctx)
	}

	var match *Match
	if isEmergency {
		match = m.emergencyPath(ctx, criteria)
	}
	if match == nil {
		match = m.standardPath(ctx, criteria)
	}

	elapsed := time.Since(start)
	if match != nil {
		match.ElapsedMs = elapsed.Milliseconds()
		m.statsMu.Lock()
		m.successes++
		m.statsMu.Unlock()
	}

	target := m.cfg.StandardTarget
	operation := "match_standard"
	if isEmergency {
		target = m.cfg.EmergencyTarget
		operation = "match_emergency"
	}
	if target > 0 && elapsed > target {
		m.statsMu.Lock()
		m.deadlineMisses++
		m.statsMu.Unlock()
		if m.msg != nil {
			m.msg.Publish(ctx, messaging.SubjectDeadlineMissed, messaging.DeadlineMissEvent{
				Component: "matcher",
				Operation: operation,
				TargetMs:  target.Milliseconds(),
				ActualMs:  elapsed.Milliseconds(),
				SessionID: criteria.SessionID,
				Timestamp: time.Now(),
			})
		}
	}

	return match
}

// emergencyPath walks the pre-sorted emergency priority list in order and
// reserves the first language-compatible responder. Assigned score is 1.0.
func (m *Matcher) emergencyPath(ctx context.Context, criteria Criteria) *Match {
	languages := withEnglish(criteria.Languages)

	for _, v := range m.reg.EmergencySnapshot() {
		if !v.SpeaksAny(languages) {
			continue
		}
		if err := m.reg.Reserve(ctx, v.ID, criteria.SessionID); err != nil {
			continue
		}
		v.CurrentLoad++
		return &Match{Volunteer: v, Score: decimal.NewFromInt(1), Emergency: true}
	}
	return nil
}

// standardPath scores up to MaxCandidates available volunteers and reserves
// the best one at or above the minimum score.
func (m *Matcher) standardPath(ctx context.Context, criteria Criteria) *Match {
	type scored struct {
		v     registry.Volunteer
		score decimal.Decimal
	}

	var candidates []scored
	for _, v := range m.reg.Snapshot() {
		if !v.Available() {
			continue
		}
		if len(criteria.Languages) > 0 && !v.SpeaksAny(withEnglish(criteria.Languages)) {
			continue
		}
		candidates = append(candidates, scored{v: v, score: Score(v, criteria)})
		if len(candidates) >= m.cfg.MaxCandidates {
			break
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].score.Equal(candidates[j].score) {
			return candidates[i].score.GreaterThan(candidates[j].score)
		}
		if candidates[i].v.CurrentLoad != candidates[j].v.CurrentLoad {
			return candidates[i].v.CurrentLoad < candidates[j].v.CurrentLoad
		}
		return candidates[i].v.PriorityScore > candidates[j].v.PriorityScore
	})

	minScore := decimal.NewFromFloat(m.cfg.MinScore)
	for _, c := range candidates {
		if c.score.LessThan(minScore) {
			break
		}
		// A lost reservation race falls through to the next candidate
		// without restarting the scan.
		if err := m.reg.Reserve(ctx, c.v.ID, criteria.SessionID); err != nil {
			continue
		}
		c.v.CurrentLoad++
		return &Match{Volunteer: c.v, Score: c.score}
	}
	return nil
}

// Score computes the candidate score:
//
//	0.40*(1 - load/max) + 0.30*responseRate + 0.20*(rating/5) + 0.10*specializationOverlap
func Score(v registry.Volunteer, criteria Criteria) decimal.Decimal {
	availability := decimal.NewFromInt(1)
	if v.MaxConcurrent > 0 {
		load := decimal.NewFromInt(int64(v.CurrentLoad)).Div(decimal.NewFromInt(int64(v.MaxConcurrent)))
		availability = decimal.NewFromInt(1).Sub(load)
	}

	overlap := decimal.Zero
	if len(criteria.Specializations) > 0 {
		matched := 0
		for _, tag := range criteria.Specializations {
			if v.HasSpecialization(tag) {
				matched++
			}
		}
		overlap = decimal.NewFromInt(int64(matched)).Div(decimal.NewFromInt(int64(len(criteria.Specializations))))
	}

	score := weightAvailability.Mul(availability)
	score = score.Add(weightResponseRate.Mul(decimal.NewFromFloat(v.ResponseRate)))
	score = score.Add(weightRating.Mul(decimal.NewFromFloat(v.AverageRating).Div(decimal.NewFromInt(5))))
	score = score.Add(weightSpecialization.Mul(overlap))
	return score
}

// Dispatch attempts a match and enqueues the session on failure. CRITICAL
// urgency (and emergencies) bypass the wait list by forcing a refresh and
// retrying once before queueing.
func (m *Matcher) Dispatch(ctx context.Context, criteria Criteria, isEmergency bool) Result {
	if match := m.FindBestMatch(ctx, criteria, isEmergency); match != nil {
		return Result{Match: match}
	}

	if isEmergency || criteria.Urgency == UrgencyCritical {
		m.reg.Refresh(ctx)
		if match := m.FindBestMatch(ctx, criteria, isEmergency); match != nil {
			return Result{Match: match}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	urgency := criteria.Urgency
	if urgency == "" {
		urgency = UrgencyNormal
	}
	queue := m.queues[urgency]

	if urgency == UrgencyLow && m.cfg.QueueLimit > 0 && len(queue) >= m.cfg.QueueLimit {
		// Shed the oldest waiter so the new arrival still holds a slot. The
		// shed session gets a deadline-miss event for its caller to re-dispatch.
		shed := queue[0]
		queue = queue[1:]
		m.statsMu.Lock()
		m.deadlineMisses++
		m.statsMu.Unlock()
		if m.msg != nil {
			m.msg.Publish(ctx, messaging.SubjectDeadlineMissed, messaging.DeadlineMissEvent{
				Component: "matcher",
				Operation: "queue_shed",
				ActualMs:  time.Since(shed.enqueuedAt).Milliseconds(),
				SessionID: shed.criteria.SessionID,
				Timestamp: time.Now(),
			})
		}
	}

	m.queues[urgency] = append(queue, &waiter{criteria: criteria, emergency: isEmergency, enqueuedAt: time.Now()})
	return Result{Queued: true, QueuePosition: len(queue) + 1, EstimatedWait: m.estimateWait(len(queue) + 1)}
}

// ProcessQueue drains the wait queues, highest urgency first, FIFO within a
// bucket. Invoked on every registry state change.
func (m *Matcher) ProcessQueue() {
	ctx := context.Background()

	for {
		w := m.dequeue()
		if w == nil {
			return
		}

		match := m.FindBestMatch(ctx, w.criteria, w.emergency)
		if match == nil {
			m.requeueFront(w)
			return
		}

		m.mu.Lock()
		fn := m.onMatch
		m.mu.Unlock()
		if fn != nil {
			fn(w.criteria, *match)
		}
	}
}

func (m *Matcher) dequeue() *waiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, urgency := range urgencyOrder {
		queue := m.queues[urgency]
		if len(queue) == 0 {
			continue
		}
		w := queue[0]
		m.queues[urgency] = queue[1:]
		return w
	}
	return nil
}

func (m *Matcher) requeueFront(w *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()

	urgency := w.criteria.Urgency
	if urgency == "" {
		urgency = UrgencyNormal
	}
	m.queues[urgency] = append([]*waiter{w}, m.queues[urgency]...)
}

// QueueDepths returns the current wait list size per urgency.
func (m *Matcher) QueueDepths() map[Urgency]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	depths := make(map[Urgency]int, len(urgencyOrder))
	for _, u := range urgencyOrder {
		depths[u] = len(m.queues[u])
	}
	return depths
}

// Stats returns cumulative matcher counters.
func (m *Matcher) Stats() (attempts, successes, deadlineMisses int64) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.attempts, m.successes, m.deadlineMisses
}

// estimateWait is a coarse queue-depth heuristic.
func (m *Matcher) estimateWait(position int) time.Duration {
	return time.Duration(position) * 30 * time.Second
}

func withEnglish(languages []string) []string {
	for _, l := range languages {
		if l == "en" {
			return languages
		}
	}
	return append(append([]string(nil), languages...), "en")
}
