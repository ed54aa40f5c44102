package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/crisisdispatch/internal/risk"
	"github.com/terminal-bench/crisisdispatch/internal/session"
)

func newStore(t *testing.T) *session.Store {
	t.Helper()
	return session.NewStore(nil, nil, risk.NewAssessor(nil), session.Config{
		ActiveTimeout:   20 * time.Minute,
		AssignedTimeout: time.Hour,
	})
}

func openSession(t *testing.T, st *session.Store, severity int) *session.Session {
	t.Helper()
	sess, err := st.Open(context.Background(), "anon-"+uuid.NewString()[:8], severity)
	require.NoError(t, err)
	return sess
}

func post(t *testing.T, st *session.Store, sessionID uuid.UUID, senderType session.SenderType, senderID, text, requestID string) session.AppendResult {
	t.Helper()
	cipher, err := st.Cipher(sessionID)
	require.NoError(t, err)
	ciphertext, iv, err := cipher.Encrypt([]byte(text))
	require.NoError(t, err)

	res, err := st.AppendMessage(context.Background(), sessionID, senderType, senderID, ciphertext, iv, requestID)
	require.NoError(t, err)
	return res
}

func TestOpenClampsSeverity(t *testing.T) {
	st := newStore(t)

	low := openSession(t, st, 0)
	assert.Equal(t, 1, low.Severity)

	high := openSession(t, st, 15)
	assert.Equal(t, 10, high.Severity)
	assert.Equal(t, session.StatusActive, high.Status)
	assert.Len(t, high.SessionKey, 32)
}

func TestOpenRefusedWhenDegraded(t *testing.T) {
	st := newStore(t)
	st.SetAccepting(false)

	_, err := st.Open(context.Background(), "anon-1", 3)
	assert.ErrorIs(t, err, session.ErrUnavailable)

	st.SetAccepting(true)
	_, err = st.Open(context.Background(), "anon-1", 3)
	assert.NoError(t, err)
}

func TestAppendMessageOrdering(t *testing.T) {
	st := newStore(t)
	sess := openSession(t, st, 3)

	first := post(t, st, sess.ID, session.SenderAnonymousUser, "anon", "hello", "req-1")
	second := post(t, st, sess.ID, session.SenderAnonymousUser, "anon", "is anyone there", "req-2")

	assert.Greater(t, second.Message.TimestampNs, first.Message.TimestampNs)

	msgs, err := st.Messages(sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, first.Message.ID, msgs[0].ID)
	assert.Equal(t, second.Message.ID, msgs[1].ID)
}

func TestAppendMessageConcurrentTimestampsStrictlyIncrease(t *testing.T) {
	st := newStore(t)
	sess := openSession(t, st, 3)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			post(t, st, sess.ID, session.SenderAnonymousUser, "anon", "message", "")
		}()
	}
	wg.Wait()

	msgs, err := st.Messages(sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, n)
	for i := 1; i < n; i++ {
		assert.Greater(t, msgs[i].TimestampNs, msgs[i-1].TimestampNs, "position %d", i)
	}
}

func TestAppendMessageIdempotency(t *testing.T) {
	st := newStore(t)
	sess := openSession(t, st, 3)

	first := post(t, st, sess.ID, session.SenderAnonymousUser, "anon", "hello", "req-1")
	replay := post(t, st, sess.ID, session.SenderAnonymousUser, "anon", "hello", "req-1")

	assert.True(t, replay.Duplicate)
	assert.Equal(t, first.Message.ID, replay.Message.ID)
	assert.Equal(t, first.Message.TimestampNs, replay.Message.TimestampNs)

	// Same request id from a different sender is a different message.
	other := post(t, st, sess.ID, session.SenderVolunteer, "vol", "hello", "req-1")
	assert.False(t, other.Duplicate)
	assert.NotEqual(t, first.Message.ID, other.Message.ID)

	msgs, _ := st.Messages(sess.ID)
	assert.Len(t, msgs, 2)
}

func TestSeverityMonotonicPerSession(t *testing.T) {
	st := newStore(t)
	sess := openSession(t, st, 7)

	post(t, st, sess.ID, session.SenderAnonymousUser, "anon", "I feel a bit calmer now", "")
	got, err := st.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, got.Severity)

	post(t, st, sess.ID, session.SenderAnonymousUser, "anon", "I want to kill myself tonight", "")
	got, err = st.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.Severity)
}

func TestVolunteerMessagesDoNotRaiseSeverity(t *testing.T) {
	st := newStore(t)
	sess := openSession(t, st, 2)

	post(t, st, sess.ID, session.SenderVolunteer, "vol", "Are you thinking about suicide?", "")
	got, err := st.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Severity)
}

func TestExplicitDowngrade(t *testing.T) {
	st := newStore(t)
	sess := openSession(t, st, 9)

	require.NoError(t, st.Downgrade(context.Background(), sess.ID, 4))
	got, err := st.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Severity)
}

func TestTerminalSessionIsImmutable(t *testing.T) {
	st := newStore(t)
	sess := openSession(t, st, 3)

	require.NoError(t, st.Resolve(context.Background(), sess.ID, "SUPPORTED", "felt better"))

	got, err := st.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusResolved, got.Status)
	require.NotNil(t, got.EndedAt)

	t.Run("second resolve", func(t *testing.T) {
		err := st.Resolve(context.Background(), sess.ID, "AGAIN", "")
		assert.ErrorIs(t, err, session.ErrAlreadyTerminal)
	})

	t.Run("append after close", func(t *testing.T) {
		cipher, err := st.Cipher(sess.ID)
		require.NoError(t, err)
		ct, iv, err := cipher.Encrypt([]byte("hello?"))
		require.NoError(t, err)
		_, err = st.AppendMessage(context.Background(), sess.ID, session.SenderAnonymousUser, "anon", ct, iv, "")
		assert.ErrorIs(t, err, session.ErrSessionClosed)
	})

	t.Run("attach after close", func(t *testing.T) {
		err := st.Attach(context.Background(), sess.ID, uuid.New())
		assert.ErrorIs(t, err, session.ErrSessionClosed)
	})
}

func TestAttachAndDetach(t *testing.T) {
	st := newStore(t)
	sess := openSession(t, st, 3)
	volunteerID := uuid.New()

	require.NoError(t, st.Attach(context.Background(), sess.ID, volunteerID))
	got, _ := st.Get(sess.ID)
	assert.Equal(t, session.StatusAssigned, got.Status)
	require.NotNil(t, got.ResponderID)
	assert.Equal(t, volunteerID, *got.ResponderID)

	err := st.Attach(context.Background(), sess.ID, uuid.New())
	assert.ErrorIs(t, err, session.ErrAlreadyAttached)

	require.NoError(t, st.Detach(context.Background(), sess.ID))
	got, _ = st.Get(sess.ID)
	assert.Equal(t, session.StatusActive, got.Status)
	assert.Nil(t, got.ResponderID)

	err = st.Detach(context.Background(), sess.ID)
	assert.ErrorIs(t, err, session.ErrNotAttached)
}

func TestMarkEscalated(t *testing.T) {
	st := newStore(t)
	sess := openSession(t, st, 9)

	require.NoError(t, st.MarkEscalated(context.Background(), sess.ID, "EMERGENCY"))
	got, _ := st.Get(sess.ID)
	assert.Equal(t, session.StatusEscalated, got.Status)
	assert.True(t, got.EmergencyTriggered)
	require.NotNil(t, got.EscalatedAt)
	firstEscalatedAt := *got.EscalatedAt

	// Idempotent for an already-escalated session.
	require.NoError(t, st.MarkEscalated(context.Background(), sess.ID, "EMERGENCY"))
	got, _ = st.Get(sess.ID)
	assert.Equal(t, firstEscalatedAt, *got.EscalatedAt)
}

func TestSubscribeReceivesFramesInOrder(t *testing.T) {
	st := newStore(t)
	sess := openSession(t, st, 3)

	sub, err := st.Subscribe(sess.ID, 16)
	require.NoError(t, err)
	defer sub.Close()

	first := post(t, st, sess.ID, session.SenderAnonymousUser, "anon", "one", "")
	second := post(t, st, sess.ID, session.SenderAnonymousUser, "anon", "two", "")

	frame := <-sub.Frames
	require.Equal(t, session.FrameMessage, frame.Type)
	assert.Equal(t, first.Message.ID, frame.Payload.(session.Message).ID)

	frame = <-sub.Frames
	require.Equal(t, session.FrameMessage, frame.Type)
	assert.Equal(t, second.Message.ID, frame.Payload.(session.Message).ID)
}

func TestSubscribeSeesLifecycleFrames(t *testing.T) {
	st := newStore(t)
	sess := openSession(t, st, 3)

	sub, err := st.Subscribe(sess.ID, 16)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, st.NotifyTyping(sess.ID, "anon"))
	require.NoError(t, st.Attach(context.Background(), sess.ID, uuid.New()))
	require.NoError(t, st.MarkEscalated(context.Background(), sess.ID, "CRITICAL"))

	assert.Equal(t, session.FrameTyping, (<-sub.Frames).Type)
	assert.Equal(t, session.FrameVolunteerJoined, (<-sub.Frames).Type)
	assert.Equal(t, session.FrameEmergencyAlert, (<-sub.Frames).Type)
}

func TestCountByStatus(t *testing.T) {
	st := newStore(t)
	a := openSession(t, st, 3)
	openSession(t, st, 3)
	require.NoError(t, st.Resolve(context.Background(), a.ID, "SUPPORTED", ""))

	counts := st.Count()
	assert.Equal(t, 1, counts[session.StatusActive])
	assert.Equal(t, 1, counts[session.StatusResolved])
}

func TestPlaintextNeverStored(t *testing.T) {
	st := newStore(t)
	sess := openSession(t, st, 3)

	res := post(t, st, sess.ID, session.SenderAnonymousUser, "anon", "I feel hopeless", "")
	assert.NotContains(t, string(res.Message.Ciphertext), "hopeless")

	msgs, _ := st.Messages(sess.ID)
	assert.NotContains(t, string(msgs[0].Ciphertext), "hopeless")
	assert.NotEmpty(t, msgs[0].IV)
}

func TestResponseLatencyMeasuredOnVolunteerReply(t *testing.T) {
	st := newStore(t)
	sess := openSession(t, st, 3)

	first := post(t, st, sess.ID, session.SenderAnonymousUser, "anon", "hello", "")
	assert.Zero(t, first.Message.ResponseLatencyMs)

	// A follow-up from the user does not move the waiting point; latency is
	// measured from the oldest unanswered message.
	second := post(t, st, sess.ID, session.SenderAnonymousUser, "anon", "anyone there", "")
	assert.Zero(t, second.Message.ResponseLatencyMs)

	reply := post(t, st, sess.ID, session.SenderVolunteer, "vol", "I'm here with you", "")
	want := (reply.Message.TimestampNs - first.Message.TimestampNs) / int64(time.Millisecond)
	assert.Equal(t, want, reply.Message.ResponseLatencyMs)

	// With nothing pending, further volunteer messages carry no latency.
	followUp := post(t, st, sess.ID, session.SenderVolunteer, "vol", "take your time", "")
	assert.Zero(t, followUp.Message.ResponseLatencyMs)

	// The next user message starts a new measurement.
	third := post(t, st, sess.ID, session.SenderAnonymousUser, "anon", "thank you", "")
	next := post(t, st, sess.ID, session.SenderVolunteer, "vol", "of course", "")
	assert.Equal(t, (next.Message.TimestampNs-third.Message.TimestampNs)/int64(time.Millisecond), next.Message.ResponseLatencyMs)
}

// flakyRepo fails writes until the remaining-failures counter runs out.
type flakyRepo struct {
	mu           sync.Mutex
	failures     int
	saveMessage  int
	updateCalls  int
	savedMessage bool
}

func (r *flakyRepo) fail() error {
	if r.failures > 0 {
		r.failures--
		return assert.AnError
	}
	return nil
}

func (r *flakyRepo) SaveSession(ctx context.Context, s *session.Session) error {
	return nil
}

func (r *flakyRepo) UpdateSession(ctx context.Context, s *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateCalls++
	return r.fail()
}

func (r *flakyRepo) SaveMessage(ctx context.Context, m *session.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saveMessage++
	if err := r.fail(); err != nil {
		return err
	}
	r.savedMessage = true
	return nil
}

func TestPersistFailureRetriesAndReports(t *testing.T) {
	t.Run("transient failure retried within the call", func(t *testing.T) {
		repo := &flakyRepo{failures: 1}
		st := session.NewStore(repo, nil, risk.NewAssessor(nil), session.Config{
			ActiveTimeout:   20 * time.Minute,
			AssignedTimeout: time.Hour,
		})

		var reported []string
		st.OnPersistError(func(op string, sessionID uuid.UUID, err error) {
			reported = append(reported, op)
		})

		sess := openSession(t, st, 3)
		res := post(t, st, sess.ID, session.SenderAnonymousUser, "anon", "hello", "req-1")
		assert.False(t, res.Duplicate)

		assert.Equal(t, 2, repo.saveMessage)
		assert.True(t, repo.savedMessage)
		assert.Empty(t, reported)
	})

	t.Run("persistent failure reported once per write", func(t *testing.T) {
		repo := &flakyRepo{failures: 100}
		st := session.NewStore(repo, nil, risk.NewAssessor(nil), session.Config{
			ActiveTimeout:   20 * time.Minute,
			AssignedTimeout: time.Hour,
		})

		var (
			mu       sync.Mutex
			reported []string
			reportID uuid.UUID
		)
		st.OnPersistError(func(op string, sessionID uuid.UUID, err error) {
			mu.Lock()
			defer mu.Unlock()
			reported = append(reported, op)
			reportID = sessionID
		})

		sess := openSession(t, st, 3)
		res := post(t, st, sess.ID, session.SenderAnonymousUser, "anon", "hello", "req-1")
		assert.False(t, res.Duplicate)

		// The message append still succeeds in memory.
		msgs, err := st.Messages(sess.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 1)

		assert.Equal(t, []string{"message.save", "session.update"}, reported)
		assert.Equal(t, sess.ID, reportID)
	})

	t.Run("lifecycle writes report too", func(t *testing.T) {
		repo := &flakyRepo{failures: 100}
		st := session.NewStore(repo, nil, risk.NewAssessor(nil), session.Config{
			ActiveTimeout:   20 * time.Minute,
			AssignedTimeout: time.Hour,
		})

		var reported []string
		st.OnPersistError(func(op string, sessionID uuid.UUID, err error) {
			reported = append(reported, op)
		})

		sess := openSession(t, st, 3)
		require.NoError(t, st.Resolve(context.Background(), sess.ID, "stabilized", ""))

		got, err := st.Get(sess.ID)
		require.NoError(t, err)
		assert.Equal(t, session.StatusResolved, got.Status)
		assert.Equal(t, []string{"session.update"}, reported)
	})
}
