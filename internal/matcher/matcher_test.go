package matcher_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/crisisdispatch/internal/matcher"
	"github.com/terminal-bench/crisisdispatch/internal/registry"
)

func volunteer(load, max int, rating, responseRate float64) registry.Volunteer {
	return registry.Volunteer{
		ID:            uuid.New(),
		AnonymousID:   "vol-" + uuid.NewString()[:8],
		Status:        registry.StatusActive,
		IsActive:      true,
		Languages:     []string{"en"},
		CurrentLoad:   load,
		MaxConcurrent: max,
		AverageRating: rating,
		ResponseRate:  responseRate,
	}
}

func newMatcher(t *testing.T, volunteers ...registry.Volunteer) (*matcher.Matcher, *registry.Registry) {
	t.Helper()
	reg := registry.New(registry.NewStaticStore(volunteers...), nil, time.Hour, time.Hour)
	require.NoError(t, reg.Refresh(context.Background()))
	m := matcher.New(reg, nil, matcher.Config{
		EmergencyTarget: 2 * time.Second,
		StandardTarget:  5 * time.Second,
		MinScore:        0.6,
		MaxCandidates:   20,
		QueueLimit:      100,
	})
	return m, reg
}

func TestScoreFormula(t *testing.T) {
	v := volunteer(0, 2, 4.2, 0.80)
	score := matcher.Score(v, matcher.Criteria{})
	assert.True(t, score.Equal(decimal.RequireFromString("0.808")), "got %s", score)
}

func TestScoreSpecializationOverlap(t *testing.T) {
	v := volunteer(0, 2, 5, 1)
	v.Specializations = []string{"grief", "anxiety"}

	criteria := matcher.Criteria{Specializations: []string{"grief", "depression"}}
	score := matcher.Score(v, criteria)
	// 0.40 + 0.30 + 0.20 + 0.10*(1/2)
	assert.True(t, score.Equal(decimal.RequireFromString("0.95")), "got %s", score)
}

func TestFindBestMatchPicksHighestScore(t *testing.T) {
	v1 := volunteer(2, 4, 4.8, 0.90) // 0.2 + 0.27 + 0.192 = 0.662
	v2 := volunteer(0, 2, 4.2, 0.80) // 0.4 + 0.24 + 0.168 = 0.808
	m, _ := newMatcher(t, v1, v2)

	match := m.FindBestMatch(context.Background(), matcher.Criteria{SessionID: uuid.New()}, false)
	require.NotNil(t, match)
	assert.Equal(t, v2.ID, match.Volunteer.ID)
	assert.True(t, match.Score.Equal(decimal.RequireFromString("0.808")))
}

func TestFindBestMatchEnforcesThreshold(t *testing.T) {
	weak := volunteer(0, 1, 2.0, 0.10) // 0.4 + 0.03 + 0.08 = 0.51
	m, _ := newMatcher(t, weak)

	match := m.FindBestMatch(context.Background(), matcher.Criteria{SessionID: uuid.New()}, false)
	assert.Nil(t, match)
}

func TestFindBestMatchTieBreaksOnPriority(t *testing.T) {
	a := volunteer(0, 2, 4.0, 0.80)
	a.PriorityScore = 10
	b := volunteer(0, 2, 4.0, 0.80)
	b.PriorityScore = 90

	m, _ := newMatcher(t, a, b)

	match := m.FindBestMatch(context.Background(), matcher.Criteria{SessionID: uuid.New()}, false)
	require.NotNil(t, match)
	assert.Equal(t, b.ID, match.Volunteer.ID)
}

func TestFindBestMatchReservesWinner(t *testing.T) {
	v := volunteer(0, 1, 4.5, 0.95)
	m, reg := newMatcher(t, v)

	sessionID := uuid.New()
	match := m.FindBestMatch(context.Background(), matcher.Criteria{SessionID: sessionID}, false)
	require.NotNil(t, match)
	reg.Confirm(v.ID, sessionID)

	got, _ := reg.Get(v.ID)
	assert.Equal(t, 1, got.CurrentLoad)

	// Volunteer is now at capacity.
	second := m.FindBestMatch(context.Background(), matcher.Criteria{SessionID: uuid.New()}, false)
	assert.Nil(t, second)
}

func TestEmergencyPathUsesPriorityList(t *testing.T) {
	best := volunteer(0, 2, 3.0, 0.50) // would score 0.67 on the standard path
	best.EmergencyResponder = true
	best.PriorityScore = 95

	backup := volunteer(0, 2, 5.0, 1.0)
	backup.EmergencyResponder = true
	backup.PriorityScore = 20

	m, _ := newMatcher(t, best, backup)

	match := m.FindBestMatch(context.Background(), matcher.Criteria{SessionID: uuid.New()}, true)
	require.NotNil(t, match)
	assert.True(t, match.Emergency)
	assert.Equal(t, best.ID, match.Volunteer.ID)
	assert.True(t, match.Score.Equal(decimal.NewFromInt(1)))
}

func TestEmergencyPathLanguageFilter(t *testing.T) {
	esOnly := volunteer(0, 2, 4.0, 0.9)
	esOnly.EmergencyResponder = true
	esOnly.Languages = []string{"es"}
	esOnly.PriorityScore = 95

	english := volunteer(0, 2, 4.0, 0.9)
	english.EmergencyResponder = true
	english.PriorityScore = 10

	m, _ := newMatcher(t, esOnly, english)

	// English is implicitly acceptable for any caller.
	match := m.FindBestMatch(context.Background(), matcher.Criteria{SessionID: uuid.New(), Languages: []string{"fr"}}, true)
	require.NotNil(t, match)
	assert.Equal(t, english.ID, match.Volunteer.ID)
}

func TestDispatchQueuesAndDrains(t *testing.T) {
	m, reg := newMatcher(t) // empty registry

	var (
		mu      sync.Mutex
		matched []uuid.UUID
	)
	m.OnMatch(func(criteria matcher.Criteria, match matcher.Match) {
		mu.Lock()
		matched = append(matched, criteria.SessionID)
		mu.Unlock()
		reg.Confirm(match.Volunteer.ID, criteria.SessionID)
	})

	sessionID := uuid.New()
	result := m.Dispatch(context.Background(), matcher.Criteria{
		SessionID: sessionID,
		Urgency:   matcher.UrgencyNormal,
	}, false)
	require.True(t, result.Queued)
	assert.Equal(t, 1, result.QueuePosition)
	assert.Equal(t, 1, m.QueueDepths()[matcher.UrgencyNormal])

	// A volunteer coming online drains the queue synchronously.
	reg.Upsert(volunteer(0, 2, 4.5, 0.95))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, matched, 1)
	assert.Equal(t, sessionID, matched[0])
	assert.Equal(t, 0, m.QueueDepths()[matcher.UrgencyNormal])
}

func TestDispatchDrainsHighestUrgencyFirst(t *testing.T) {
	m, reg := newMatcher(t)

	var (
		mu      sync.Mutex
		matched []uuid.UUID
	)
	m.OnMatch(func(criteria matcher.Criteria, match matcher.Match) {
		mu.Lock()
		matched = append(matched, criteria.SessionID)
		mu.Unlock()
		reg.Confirm(match.Volunteer.ID, criteria.SessionID)
	})

	lowID := uuid.New()
	highID := uuid.New()
	m.Dispatch(context.Background(), matcher.Criteria{SessionID: lowID, Urgency: matcher.UrgencyLow}, false)
	m.Dispatch(context.Background(), matcher.Criteria{SessionID: highID, Urgency: matcher.UrgencyHigh}, false)

	reg.Upsert(volunteer(0, 2, 4.5, 0.95))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, matched, 2)
	assert.Equal(t, highID, matched[0])
	assert.Equal(t, lowID, matched[1])
}

func TestDispatchLowUrgencyBackpressure(t *testing.T) {
	reg := registry.New(registry.NewStaticStore(), nil, time.Hour, time.Hour)
	require.NoError(t, reg.Refresh(context.Background()))
	m := matcher.New(reg, nil, matcher.Config{MinScore: 0.6, MaxCandidates: 20, QueueLimit: 1})

	firstID := uuid.New()
	first := m.Dispatch(context.Background(), matcher.Criteria{SessionID: firstID, Urgency: matcher.UrgencyLow}, false)
	require.True(t, first.Queued)

	// Over the limit the oldest waiter is shed so the new arrival holds a
	// real slot; the shed session counts as a deadline miss.
	secondID := uuid.New()
	second := m.Dispatch(context.Background(), matcher.Criteria{SessionID: secondID, Urgency: matcher.UrgencyLow}, false)
	require.True(t, second.Queued)
	assert.Equal(t, 1, m.QueueDepths()[matcher.UrgencyLow])
	assert.Greater(t, second.EstimatedWait, time.Duration(0))

	_, _, misses := m.Stats()
	assert.Equal(t, int64(1), misses)

	// When capacity frees, the surviving waiter is the newer session.
	var matched []uuid.UUID
	m.OnMatch(func(c matcher.Criteria, _ matcher.Match) {
		matched = append(matched, c.SessionID)
	})
	reg.Upsert(registry.Volunteer{
		ID:            uuid.New(),
		Status:        registry.StatusActive,
		IsActive:      true,
		Languages:     []string{"en"},
		MaxConcurrent: 2,
		AverageRating: 4.2,
		ResponseRate:  0.8,
		LastActiveAt:  time.Now(),
	})
	assert.Equal(t, []uuid.UUID{secondID}, matched)
	assert.Equal(t, 0, m.QueueDepths()[matcher.UrgencyLow])
}

func TestStatsCountAttempts(t *testing.T) {
	v := volunteer(0, 2, 4.5, 0.95)
	m, _ := newMatcher(t, v)

	m.FindBestMatch(context.Background(), matcher.Criteria{SessionID: uuid.New()}, false)
	m.FindBestMatch(context.Background(), matcher.Criteria{SessionID: uuid.New()}, false)

	attempts, successes, _ := m.Stats()
	assert.Equal(t, int64(2), attempts)
	assert.Equal(t, int64(2), successes)
}
