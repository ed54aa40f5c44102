package gateway

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionTokenRoundtrip(t *testing.T) {
	tm := NewTokenManager("test-secret", time.Hour)
	sessionID := uuid.New()

	token, err := tm.MintSession(sessionID, "anon-1")
	require.NoError(t, err)

	claims, err := tm.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, ActorUser, claims.Actor)
	assert.Equal(t, sessionID.String(), claims.SessionID)
	assert.Equal(t, "anon-1", claims.AnonymousID)
}

func TestVolunteerTokenRoundtrip(t *testing.T) {
	tm := NewTokenManager("test-secret", time.Hour)
	volunteerID := uuid.New()

	token, err := tm.MintVolunteer(volunteerID)
	require.NoError(t, err)

	claims, err := tm.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, ActorVolunteer, claims.Actor)
	assert.Equal(t, volunteerID.String(), claims.VolunteerID)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	tm := NewTokenManager("secret-a", time.Hour)
	other := NewTokenManager("secret-b", time.Hour)

	token, err := tm.MintSession(uuid.New(), "anon-1")
	require.NoError(t, err)

	_, err = other.Validate(token)
	assert.Error(t, err)
}

func TestValidateRejectsExpired(t *testing.T) {
	tm := NewTokenManager("test-secret", -time.Minute)

	token, err := tm.MintSession(uuid.New(), "anon-1")
	require.NoError(t, err)

	_, err = tm.Validate(token)
	assert.Error(t, err)
}

func TestValidateRejectsGarbage(t *testing.T) {
	tm := NewTokenManager("test-secret", time.Hour)
	_, err := tm.Validate("not.a.token")
	assert.Error(t, err)
}

func TestAllowSessionScoping(t *testing.T) {
	sessionID := uuid.New()

	user := &Claims{Actor: ActorUser, SessionID: sessionID.String()}
	assert.True(t, user.allowSession(sessionID))
	assert.False(t, user.allowSession(uuid.New()))

	volunteer := &Claims{Actor: ActorVolunteer, VolunteerID: uuid.NewString()}
	assert.True(t, volunteer.allowSession(sessionID))
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    2,
		window:   50 * time.Millisecond,
	}

	assert.True(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("1.2.3.4"))
	assert.False(t, rl.Allow("1.2.3.4"))

	// Other clients have their own window.
	assert.True(t, rl.Allow("5.6.7.8"))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, rl.Allow("1.2.3.4"))
}

func TestRateLimiterUnlimitedWhenDisabled(t *testing.T) {
	rl := &RateLimiter{requests: make(map[string][]time.Time)}
	for i := 0; i < 100; i++ {
		assert.True(t, rl.Allow("1.2.3.4"))
	}
}
