package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/terminal-bench/crisisdispatch/internal/risk"
	"github.com/terminal-bench/crisisdispatch/pkg/crypto"
	"github.com/terminal-bench/crisisdispatch/pkg/messaging"
)

// Repository persists session state. A nil repository keeps everything
// in memory, which the test suites rely on.
type Repository interface {
	SaveSession(ctx context.Context, s *Session) error
	UpdateSession(ctx context.Context, s *Session) error
	SaveMessage(ctx context.Context, m *Message) error
}

// Subscriber receives a session's frames in append order.
type Subscriber struct {
	ID     uuid.UUID
	Frames chan Frame

	store     *Store
	sessionID uuid.UUID
}

// Close detaches the subscriber from the session.
func (s *Subscriber) Close() {
	s.store.unsubscribe(s.sessionID, s.ID)
}

// AppendResult is what posting a message produced.
type AppendResult struct {
	Message    Message
	Assessment risk.Assessment
	Duplicate  bool
}

// entry is the per-session critical section: every state transition for one
// session serializes on entry.mu.
type entry struct {
	mu        sync.Mutex
	sess      *Session
	cipher    *crypto.SessionCipher
	messages  []Message
	lastStamp int64
	// awaitingReplyStamp is the timestamp of the oldest unanswered user
	// message; zero once a responder has replied.
	awaitingReplyStamp int64
	idempotency        map[string]Message // senderID+clientRequestID -> message
	subscribers        map[uuid.UUID]*Subscriber
}

// Config holds session store tuning.
type Config struct {
	ActiveTimeout   time.Duration
	AssignedTimeout time.Duration
	SweepInterval   time.Duration
}

// Store owns session lifecycle, ordered encrypted message append, and
// fan-out to the responder, supervisors, and the assistant pipeline.
type Store struct {
	repo     Repository
	msg      *messaging.Client
	assessor *risk.Assessor
	cfg      Config

	mu      sync.RWMutex
	entries map[uuid.UUID]*entry

	persistMu      sync.RWMutex
	onPersistError func(op string, sessionID uuid.UUID, err error)

	// acceptNew is cleared when the audit sink degrades; existing sessions
	// continue but new ones are refused.
	acceptMu  sync.RWMutex
	acceptNew bool

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewStore creates a session store.
func NewStore(repo Repository, msg *messaging.Client, assessor *risk.Assessor, cfg Config) *Store {
	if assessor == nil {
		assessor = risk.NewAssessor(nil)
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	return &Store{
		repo:      repo,
		msg:       msg,
		assessor:  assessor,
		cfg:       cfg,
		entries:   make(map[uuid.UUID]*entry),
		acceptNew: true,
		shutdown:  make(chan struct{}),
	}
}

// OnPersistError registers a callback invoked when a repository write
// still fails after its retry. The audit sink is the intended consumer.
func (st *Store) OnPersistError(fn func(op string, sessionID uuid.UUID, err error)) {
	st.persistMu.Lock()
	st.onPersistError = fn
	st.persistMu.Unlock()
}

// persist runs one repository write, retrying once within the caller's
// deadline. Failures are reported, never returned: the in-memory state is
// already committed and the session continues.
func (st *Store) persist(ctx context.Context, op string, sessionID uuid.UUID, write func() error) {
	err := write()
	if err == nil {
		return
	}
	if ctx.Err() == nil {
		if err = write(); err == nil {
			return
		}
	}

	st.persistMu.RLock()
	fn := st.onPersistError
	st.persistMu.RUnlock()
	if fn != nil {
		fn(op, sessionID, err)
	}
}

// Start launches the inactivity sweeper.
func (st *Store) Start(ctx context.Context) {
	st.wg.Add(1)
	go func() {
		defer st.wg.Done()
		ticker := time.NewTicker(st.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				st.sweep(ctx)
			case <-ctx.Done():
				return
			case <-st.shutdown:
				return
			}
		}
	}()
}

// Stop stops the sweeper.
func (st *Store) Stop() {
	close(st.shutdown)
	st.wg.Wait()
}

// SetAccepting toggles whether new sessions are admitted. Cleared while the
// audit sink is degraded.
func (st *Store) SetAccepting(ok bool) {
	st.acceptMu.Lock()
	st.acceptNew = ok
	st.acceptMu.Unlock()
}

// Accepting reports whether new sessions are admitted.
func (st *Store) Accepting() bool {
	st.acceptMu.RLock()
	defer st.acceptMu.RUnlock()
	return st.acceptNew
}

// Open creates a session for an anonymous user. initialSeverity of 0 means
// unknown and defaults to 1.
func (st *Store) Open(ctx context.Context, anonymousID string, initialSeverity int) (*Session, error) {
	if !st.Accepting() {
		return nil, ErrUnavailable
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	cipher, err := crypto.NewSessionCipher(key)
	if err != nil {
		return nil, err
	}

	if initialSeverity < 1 {
		initialSeverity = 1
	}
	if initialSeverity > 10 {
		initialSeverity = 10
	}

	now := time.Now()
	sess := &Session{
		ID:            uuid.New(),
		AnonymousID:   anonymousID,
		Status:        StatusActive,
		Severity:      initialSeverity,
		StartedAt:     now,
		LastMessageAt: now,
		SessionKey:    key,
	}

	e := &entry{
		sess:        sess,
		cipher:      cipher,
		idempotency: make(map[string]Message),
		subscribers: make(map[uuid.UUID]*Subscriber),
	}

	st.mu.Lock()
	st.entries[sess.ID] = e
	st.mu.Unlock()

	if st.repo != nil {
		if err := st.repo.SaveSession(ctx, sess); err != nil {
			st.mu.Lock()
			delete(st.entries, sess.ID)
			st.mu.Unlock()
			return nil, err
		}
	}

	st.publishLifecycle(ctx, messaging.SubjectSessionOpened, sess)
	return st.snapshotSession(e), nil
}

// Get returns a copy of the session.
func (st *Store) Get(id uuid.UUID) (*Session, error) {
	e, err := st.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return copySession(e.sess), nil
}

// Cipher returns the session's message cipher.
func (st *Store) Cipher(id uuid.UUID) (*crypto.SessionCipher, error) {
	e, err := st.entry(id)
	if err != nil {
		return nil, err
	}
	return e.cipher, nil
}

// AppendMessage decrypts, assesses, orders, and fans out one message.
// Duplicate (senderID, clientRequestID) submissions return the original
// message with Duplicate set.
func (st *Store) AppendMessage(ctx context.Context, sessionID uuid.UUID, senderType SenderType, senderID string, ciphertext, iv []byte, clientRequestID string) (AppendResult, error) {
	e, err := st.entry(sessionID)
	if err != nil {
		return AppendResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sess.Status.Terminal() {
		return AppendResult{}, ErrSessionClosed
	}

	dedupKey := senderID + ":" + clientRequestID
	if clientRequestID != "" {
		if prev, ok := e.idempotency[dedupKey]; ok {
			return AppendResult{Message: prev, Duplicate: true}, nil
		}
	}

	// Risk assessment happens on plaintext in memory only; the plaintext is
	// never persisted.
	plaintext, err := e.cipher.Decrypt(ciphertext, iv)
	if err != nil {
		return AppendResult{}, err
	}

	assessment := st.assessor.Assess(string(plaintext), risk.Context{SessionSeverity: e.sess.Severity})

	stamp := time.Now().UnixNano()
	if stamp <= e.lastStamp {
		stamp = e.lastStamp + 1
	}
	e.lastStamp = stamp

	// Response latency measures how long the oldest unanswered user message
	// waited for a responder.
	var latencyMs int64
	switch senderType {
	case SenderAnonymousUser:
		if e.awaitingReplyStamp == 0 {
			e.awaitingReplyStamp = stamp
		}
	case SenderVolunteer:
		if e.awaitingReplyStamp > 0 {
			latencyMs = (stamp - e.awaitingReplyStamp) / int64(time.Millisecond)
			e.awaitingReplyStamp = 0
		}
	}

	msg := Message{
		ID:                uuid.New(),
		SessionID:         sessionID,
		SenderType:        senderType,
		SenderID:          senderID,
		TimestampNs:       stamp,
		Ciphertext:        ciphertext,
		IV:                iv,
		RiskScore:         assessment.Severity,
		SentimentScore:    assessment.SentimentScore,
		KeywordsDetected:  assessment.KeywordsDetected,
		ResponseLatencyMs: latencyMs,
	}

	prevSeverity := e.sess.Severity
	if senderType == SenderAnonymousUser && assessment.Severity > e.sess.Severity {
		e.sess.Severity = assessment.Severity
	}
	e.sess.LastMessageAt = time.Now()

	e.messages = append(e.messages, msg)
	if clientRequestID != "" {
		e.idempotency[dedupKey] = msg
	}

	if st.repo != nil {
		snapshot := copySession(e.sess)
		st.persist(ctx, "message.save", sessionID, func() error { return st.repo.SaveMessage(ctx, &msg) })
		st.persist(ctx, "session.update", sessionID, func() error { return st.repo.UpdateSession(ctx, snapshot) })
	}

	// Fan-out under the session lock so every subscriber observes append
	// order.
	st.fanoutLocked(e, Frame{Type: FrameMessage, Payload: msg})

	if st.msg != nil {
		st.msg.Publish(ctx, messaging.SubjectMessageAppended, messaging.SessionEvent{
			SessionID:   sessionID,
			AnonymousID: e.sess.AnonymousID,
			Status:      string(e.sess.Status),
			Severity:    e.sess.Severity,
			Timestamp:   time.Now(),
		})
		if e.sess.Severity-prevSeverity >= 2 {
			st.msg.Publish(ctx, messaging.SubjectAssessmentAlert, messaging.AssessmentEvent{
				SessionID:     sessionID,
				MessageID:     msg.ID,
				Severity:      e.sess.Severity,
				PrevSeverity:  prevSeverity,
				RiskLevel:     string(assessment.RiskLevel),
				ImmediateRisk: assessment.ImmediateRisk,
				Timestamp:     time.Now(),
			})
		}
	}

	return AppendResult{Message: msg, Assessment: assessment}, nil
}

// Messages returns the session's messages in append order.
func (st *Store) Messages(id uuid.UUID) ([]Message, error) {
	e, err := st.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Message, len(e.messages))
	copy(out, e.messages)
	return out, nil
}

// Attach assigns a responder to the session.
func (st *Store) Attach(ctx context.Context, sessionID, volunteerID uuid.UUID) error {
	e, err := st.entry(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.sess.Status.Terminal() {
		e.mu.Unlock()
		return ErrSessionClosed
	}
	if e.sess.ResponderID != nil {
		e.mu.Unlock()
		return ErrAlreadyAttached
	}

	id := volunteerID
	e.sess.ResponderID = &id
	if e.sess.Status == StatusActive {
		e.sess.Status = StatusAssigned
	}
	snapshot := copySession(e.sess)
	st.fanoutLocked(e, Frame{Type: FrameVolunteerJoined, Payload: map[string]string{"responder_id": volunteerID.String()}})
	e.mu.Unlock()

	if st.repo != nil {
		st.persist(ctx, "session.update", snapshot.ID, func() error { return st.repo.UpdateSession(ctx, snapshot) })
	}
	st.publishLifecycle(ctx, messaging.SubjectSessionAssigned, snapshot)
	return nil
}

// Detach removes the responder, returning the session to ACTIVE.
func (st *Store) Detach(ctx context.Context, sessionID uuid.UUID) error {
	e, err := st.entry(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.sess.ResponderID == nil {
		e.mu.Unlock()
		return ErrNotAttached
	}
	e.sess.ResponderID = nil
	if e.sess.Status == StatusAssigned {
		e.sess.Status = StatusActive
	}
	snapshot := copySession(e.sess)
	e.mu.Unlock()

	if st.repo != nil {
		st.persist(ctx, "session.update", snapshot.ID, func() error { return st.repo.UpdateSession(ctx, snapshot) })
	}
	return nil
}

// MarkEscalated transitions the session to ESCALATED. Idempotent for
// already-escalated sessions.
func (st *Store) MarkEscalated(ctx context.Context, sessionID uuid.UUID, escalationType string) error {
	e, err := st.entry(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.sess.Status.Terminal() {
		e.mu.Unlock()
		return ErrSessionClosed
	}
	if e.sess.Status != StatusEscalated {
		now := time.Now()
		e.sess.Status = StatusEscalated
		e.sess.EscalatedAt = &now
	}
	e.sess.EmergencyTriggered = true
	e.sess.EscalationType = escalationType
	snapshot := copySession(e.sess)
	st.fanoutLocked(e, Frame{Type: FrameEmergencyAlert, Payload: map[string]string{"escalation_type": escalationType}})
	e.mu.Unlock()

	if st.repo != nil {
		st.persist(ctx, "session.update", snapshot.ID, func() error { return st.repo.UpdateSession(ctx, snapshot) })
	}
	st.publishLifecycle(ctx, messaging.SubjectSessionEscalated, snapshot)
	return nil
}

// SetResponder updates the responder during an escalation specialist
// assignment, replacing any current responder.
func (st *Store) SetResponder(ctx context.Context, sessionID, volunteerID uuid.UUID) error {
	e, err := st.entry(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.sess.Status.Terminal() {
		e.mu.Unlock()
		return ErrSessionClosed
	}
	id := volunteerID
	e.sess.ResponderID = &id
	if e.sess.Status == StatusActive {
		e.sess.Status = StatusAssigned
	}
	snapshot := copySession(e.sess)
	st.fanoutLocked(e, Frame{Type: FrameVolunteerJoined, Payload: map[string]string{"responder_id": volunteerID.String()}})
	e.mu.Unlock()

	if st.repo != nil {
		st.persist(ctx, "session.update", snapshot.ID, func() error { return st.repo.UpdateSession(ctx, snapshot) })
	}
	return nil
}

// Downgrade applies an explicit severity downgrade by a responder action.
func (st *Store) Downgrade(ctx context.Context, sessionID uuid.UUID, severity int) error {
	e, err := st.entry(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.sess.Status.Terminal() {
		e.mu.Unlock()
		return ErrSessionClosed
	}
	if severity < 1 {
		severity = 1
	}
	e.sess.Severity = severity
	snapshot := copySession(e.sess)
	e.mu.Unlock()

	if st.repo != nil {
		st.persist(ctx, "session.update", snapshot.ID, func() error { return st.repo.UpdateSession(ctx, snapshot) })
	}
	return nil
}

// Resolve closes the session with an outcome.
func (st *Store) Resolve(ctx context.Context, sessionID uuid.UUID, outcome, notes string) error {
	return st.close(ctx, sessionID, StatusResolved, outcome, notes)
}

// Abandon closes the session due to inactivity.
func (st *Store) Abandon(ctx context.Context, sessionID uuid.UUID) error {
	return st.close(ctx, sessionID, StatusAbandoned, "", "")
}

func (st *Store) close(ctx context.Context, sessionID uuid.UUID, status Status, outcome, notes string) error {
	e, err := st.entry(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.sess.Status.Terminal() {
		e.mu.Unlock()
		return ErrAlreadyTerminal
	}
	now := time.Now()
	e.sess.Status = status
	e.sess.EndedAt = &now
	e.sess.ResolutionOutcome = outcome
	e.sess.ResolutionNotes = notes
	snapshot := copySession(e.sess)
	st.fanoutLocked(e, Frame{Type: FrameSystemNotification, Payload: map[string]string{"status": string(status)}})
	e.mu.Unlock()

	if st.repo != nil {
		st.persist(ctx, "session.update", snapshot.ID, func() error { return st.repo.UpdateSession(ctx, snapshot) })
	}

	subject := messaging.SubjectSessionResolved
	if status == StatusAbandoned {
		subject = messaging.SubjectSessionAbandoned
	}
	st.publishLifecycle(ctx, subject, snapshot)
	return nil
}

// Subscribe attaches a frame stream to the session.
func (st *Store) Subscribe(sessionID uuid.UUID, buffer int) (*Subscriber, error) {
	e, err := st.entry(sessionID)
	if err != nil {
		return nil, err
	}
	if buffer <= 0 {
		buffer = 64
	}

	sub := &Subscriber{
		ID:        uuid.New(),
		Frames:    make(chan Frame, buffer),
		store:     st,
		sessionID: sessionID,
	}

	e.mu.Lock()
	e.subscribers[sub.ID] = sub
	e.mu.Unlock()
	return sub, nil
}

// NotifyTyping pushes a typing indicator to subscribers.
func (st *Store) NotifyTyping(sessionID uuid.UUID, senderID string) error {
	e, err := st.entry(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	st.fanoutLocked(e, Frame{Type: FrameTyping, Payload: map[string]string{"sender_id": senderID}})
	e.mu.Unlock()
	return nil
}

// Count returns session totals by status.
func (st *Store) Count() map[Status]int {
	st.mu.RLock()
	entries := make([]*entry, 0, len(st.entries))
	for _, e := range st.entries {
		entries = append(entries, e)
	}
	st.mu.RUnlock()

	counts := make(map[Status]int)
	for _, e := range entries {
		e.mu.Lock()
		counts[e.sess.Status]++
		e.mu.Unlock()
	}
	return counts
}

func (st *Store) unsubscribe(sessionID, subID uuid.UUID) {
	e, err := st.entry(sessionID)
	if err != nil {
		return
	}
	e.mu.Lock()
	if sub, ok := e.subscribers[subID]; ok {
		delete(e.subscribers, subID)
		close(sub.Frames)
	}
	e.mu.Unlock()
}

// fanoutLocked must be called with e.mu held; delivery never blocks, a slow
// subscriber drops frames rather than stalling the session.
func (st *Store) fanoutLocked(e *entry, frame Frame) {
	for _, sub := range e.subscribers {
		select {
		case sub.Frames <- frame:
		default:
		}
	}
}

// sweep abandons sessions past their inactivity timeout.
func (st *Store) sweep(ctx context.Context) {
	st.mu.RLock()
	ids := make([]uuid.UUID, 0, len(st.entries))
	for id := range st.entries {
		ids = append(ids, id)
	}
	st.mu.RUnlock()

	now := time.Now()
	for _, id := range ids {
		e, err := st.entry(id)
		if err != nil {
			continue
		}

		e.mu.Lock()
		status := e.sess.Status
		idle := now.Sub(e.sess.LastMessageAt)
		e.mu.Unlock()

		switch status {
		case StatusActive:
			if st.cfg.ActiveTimeout > 0 && idle > st.cfg.ActiveTimeout {
				st.Abandon(ctx, id)
			}
		case StatusAssigned:
			if st.cfg.AssignedTimeout > 0 && idle > st.cfg.AssignedTimeout {
				st.Abandon(ctx, id)
			}
		}
	}
}

func (st *Store) entry(id uuid.UUID) (*entry, error) {
	st.mu.RLock()
	e, ok := st.entries[id]
	st.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (st *Store) snapshotSession(e *entry) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return copySession(e.sess)
}

func (st *Store) publishLifecycle(ctx context.Context, subject string, s *Session) {
	if st.msg == nil {
		return
	}
	ev := messaging.SessionEvent{
		SessionID:   s.ID,
		AnonymousID: s.AnonymousID,
		Status:      string(s.Status),
		Severity:    s.Severity,
		Timestamp:   time.Now(),
	}
	if s.ResponderID != nil {
		ev.ResponderID = s.ResponderID.String()
	}
	st.msg.Publish(ctx, subject, ev)
}

func copySession(s *Session) *Session {
	c := *s
	if s.ResponderID != nil {
		id := *s.ResponderID
		c.ResponderID = &id
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	if s.EscalatedAt != nil {
		t := *s.EscalatedAt
		c.EscalatedAt = &t
	}
	c.SessionKey = append([]byte(nil), s.SessionKey...)
	return &c
}
