package escalation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/crisisdispatch/internal/adapters"
	"github.com/terminal-bench/crisisdispatch/internal/contacts"
	"github.com/terminal-bench/crisisdispatch/internal/registry"
	"github.com/terminal-bench/crisisdispatch/internal/session"
	"github.com/terminal-bench/crisisdispatch/pkg/messaging"
)

// Repository persists escalation records. Nil keeps them in memory only.
type Repository interface {
	SaveEscalation(ctx context.Context, e *Escalation) error
	UpdateEscalation(ctx context.Context, e *Escalation) error
}

// Config holds deadlines and dedup tuning.
type Config struct {
	DeadlineModerate  time.Duration
	DeadlineHigh      time.Duration
	DeadlineCritical  time.Duration
	DeadlineEmergency time.Duration
	StepTimeout       time.Duration
	DedupWindow       time.Duration
}

// DefaultConfig returns the production deadlines.
func DefaultConfig() Config {
	return Config{
		DeadlineModerate:  180 * time.Second,
		DeadlineHigh:      120 * time.Second,
		DeadlineCritical:  60 * time.Second,
		DeadlineEmergency: 30 * time.Second,
		StepTimeout:       10 * time.Second,
		DedupWindow:       5 * time.Second,
	}
}

func (c Config) deadlineFor(sev Severity) time.Duration {
	switch sev {
	case SeverityEmergency:
		return c.DeadlineEmergency
	case SeverityCritical:
		return c.DeadlineCritical
	case SeverityHigh:
		return c.DeadlineHigh
	default:
		return c.DeadlineModerate
	}
}

type dedupEntry struct {
	done   chan struct{}
	result *Result
	at     time.Time
}

// Engine orchestrates the tiered escalation protocol. Adapter failures are
// converted to action outcomes and never cross the step boundary.
type Engine struct {
	sessions *session.Store
	reg      *registry.Registry
	book     *contacts.Book
	set      adapters.Set
	invoker  *adapters.Invoker
	msg      *messaging.Client
	repo     Repository
	cfg      Config

	mu    sync.Mutex
	dedup map[string]*dedupEntry
	open  map[uuid.UUID]*Escalation // sessionID -> open record
}

// NewEngine creates an escalation engine.
func NewEngine(sessions *session.Store, reg *registry.Registry, book *contacts.Book, set adapters.Set, invoker *adapters.Invoker, msg *messaging.Client, repo Repository, cfg Config) *Engine {
	if cfg.StepTimeout <= 0 {
		cfg = DefaultConfig()
	}
	return &Engine{
		sessions: sessions,
		reg:      reg,
		book:     book,
		set:      set,
		invoker:  invoker,
		msg:      msg,
		repo:     repo,
		cfg:      cfg,
		dedup:    make(map[string]*dedupEntry),
		open:     make(map[uuid.UUID]*Escalation),
	}
}

// Trigger runs the escalation protocol for a session. Calls with the same
// (session, trigger) inside the dedup window return the first call's result.
func (en *Engine) Trigger(ctx context.Context, sessionID uuid.UUID, trigger Trigger) (*Result, error) {
	sess, err := en.sessions.Get(sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	key := sessionID.String() + ":" + string(trigger)

	en.mu.Lock()
	if entry, ok := en.dedup[key]; ok && time.Since(entry.at) < en.cfg.DedupWindow {
		en.mu.Unlock()
		<-entry.done
		return entry.result, nil
	}
	entry := &dedupEntry{done: make(chan struct{}), at: time.Now()}
	en.dedup[key] = entry
	en.mu.Unlock()

	result := en.run(ctx, sess, trigger)

	en.mu.Lock()
	entry.result = result
	en.mu.Unlock()
	close(entry.done)

	// Expire the dedup entry after the window; a later identical trigger
	// escalates within the open record again.
	time.AfterFunc(en.cfg.DedupWindow, func() {
		en.mu.Lock()
		if en.dedup[key] == entry {
			delete(en.dedup, key)
		}
		en.mu.Unlock()
	})

	return result, nil
}

// severityFor maps trigger and session severity to the escalation tier.
func severityFor(trigger Trigger, sessionSeverity int) Severity {
	switch trigger {
	case TriggerAutomaticKeyword, TriggerAIAssessment:
		if sessionSeverity >= 9 {
			return SeverityEmergency
		}
		return SeverityCritical
	case TriggerVolunteerRequest, TriggerUserRequest:
		if sessionSeverity >= 8 {
			return SeverityCritical
		}
		return SeverityHigh
	default: // TIMEOUT
		if sessionSeverity >= 7 {
			return SeverityCritical
		}
		return SeverityHigh
	}
}

type stepOutcome struct {
	action string
	ok     bool
}

func (en *Engine) run(ctx context.Context, sess *session.Session, trigger Trigger) *Result {
	start := time.Now()
	severity := severityFor(trigger, sess.Severity)
	deadline := en.cfg.deadlineFor(severity)

	record := en.openRecord(ctx, sess.ID, trigger, severity)

	// The session is marked escalated before any external call so the state
	// machine reflects the protocol even if every provider is down.
	en.sessions.MarkEscalated(ctx, sess.ID, string(severity))

	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	outcomes := make(chan stepOutcome, 8)
	var g errgroup.Group
	steps := 0

	if severity == SeverityEmergency {
		steps++
		g.Go(func() error {
			outcomes <- en.stepEmergencyServices(runCtx, sess, severity)
			return nil
		})
	}
	if severity == SeverityEmergency || severity == SeverityCritical {
		steps++
		g.Go(func() error {
			outcomes <- en.stepLifeline(runCtx, sess, severity)
			return nil
		})
	}
	steps++
	g.Go(func() error {
		outcomes <- en.stepAssignSpecialist(runCtx, sess)
		return nil
	})
	if en.book != nil {
		if notifiable := en.book.Notifiable(sess.AnonymousID); len(notifiable) > 0 {
			steps++
			g.Go(func() error {
				outcomes <- en.stepNotifyContacts(runCtx, sess, notifiable)
				return nil
			})
		}
	}

	g.Wait()
	close(outcomes)

	// actionsTaken order reflects completion order. The open record is
	// shared across triggers, so mutations happen under the engine lock.
	var (
		succeeded int
		failed    int
	)
	en.mu.Lock()
	for oc := range outcomes {
		record.ActionsTaken = append(record.ActionsTaken, oc.action)
		if step := nextStepFor(oc.action); step != "" && !containsString(record.NextSteps, step) {
			record.NextSteps = append(record.NextSteps, step)
		}
		if oc.ok {
			succeeded++
		} else {
			failed++
		}
		switch oc.action {
		case ActionEmergencyServicesContacted:
			record.EmergencyContacted = true
		case ActionLifelineContacted:
			record.Lifeline988Called = true
		case ActionSpecialistAssigned:
			record.SpecialistAssigned = true
		}
	}

	elapsed := time.Since(start)
	record.ResponseTimeMs = elapsed.Milliseconds()
	result := &Result{
		EscalationID:       record.ID,
		SessionID:          sess.ID,
		Trigger:            record.Trigger,
		Severity:           record.Severity,
		ActionsTaken:       append([]string(nil), record.ActionsTaken...),
		EmergencyContacted: record.EmergencyContacted,
		Lifeline988Called:  record.Lifeline988Called,
		SpecialistAssigned: record.SpecialistAssigned,
		ResponseTimeMs:     record.ResponseTimeMs,
		NextSteps:          append([]string(nil), record.NextSteps...),
	}
	en.mu.Unlock()

	outcome := OutcomeCompleted
	if succeeded == 0 && failed > 0 {
		outcome = OutcomePartialFailure
	}
	targetMet := elapsed <= deadline && outcome != OutcomePartialFailure

	if en.repo != nil {
		en.repo.UpdateEscalation(ctx, record)
	}

	if elapsed > deadline && en.msg != nil {
		en.msg.Publish(ctx, messaging.SubjectDeadlineMissed, messaging.DeadlineMissEvent{
			Component: "escalation",
			Operation: string(severity),
			TargetMs:  deadline.Milliseconds(),
			ActualMs:  elapsed.Milliseconds(),
			SessionID: sess.ID,
			Timestamp: time.Now(),
		})
	}

	if en.msg != nil {
		en.msg.Publish(ctx, messaging.SubjectEscalationClosed, messaging.EscalationEvent{
			EscalationID:   record.ID,
			SessionID:      sess.ID,
			Trigger:        string(record.Trigger),
			RawTrigger:     string(trigger.legacyTrigger()),
			Severity:       string(record.Severity),
			ActionsTaken:   record.ActionsTaken,
			ResponseTimeMs: record.ResponseTimeMs,
			TargetMet:      targetMet,
			Timestamp:      time.Now(),
		})
	}

	result.TargetMet = targetMet
	result.Outcome = outcome
	return result
}

// openRecord returns the session's open escalation, creating one if needed.
// Severity only upgrades within an open record.
func (en *Engine) openRecord(ctx context.Context, sessionID uuid.UUID, trigger Trigger, severity Severity) *Escalation {
	en.mu.Lock()
	defer en.mu.Unlock()

	if record, ok := en.open[sessionID]; ok {
		if severityRank(severity) > severityRank(record.Severity) {
			record.Severity = severity
		}
		return record
	}

	record := &Escalation{
		ID:        uuid.New(),
		SessionID: sessionID,
		Trigger:   trigger,
		Severity:  severity,
		OpenedAt:  time.Now(),
	}
	en.open[sessionID] = record

	if en.repo != nil {
		en.repo.SaveEscalation(ctx, record)
	}
	if en.msg != nil {
		en.msg.Publish(ctx, messaging.SubjectEscalationOpened, messaging.EscalationEvent{
			EscalationID: record.ID,
			SessionID:    sessionID,
			Trigger:      string(trigger),
			RawTrigger:   string(trigger.legacyTrigger()),
			Severity:     string(severity),
			Timestamp:    time.Now(),
		})
	}
	return record
}

// Close finalizes the session's open escalation record.
func (en *Engine) Close(ctx context.Context, sessionID uuid.UUID) {
	en.mu.Lock()
	record, ok := en.open[sessionID]
	if ok {
		now := time.Now()
		record.ClosedAt = &now
		delete(en.open, sessionID)
	}
	en.mu.Unlock()

	if ok && en.repo != nil {
		en.repo.UpdateEscalation(ctx, record)
	}
}

// Open returns the session's open escalation record, if any.
func (en *Engine) Open(sessionID uuid.UUID) (*Escalation, bool) {
	en.mu.Lock()
	defer en.mu.Unlock()
	record, ok := en.open[sessionID]
	return record, ok
}

// OpenCount returns how many escalations are currently open.
func (en *Engine) OpenCount() int {
	en.mu.Lock()
	defer en.mu.Unlock()
	return len(en.open)
}

func (en *Engine) stepEmergencyServices(ctx context.Context, sess *session.Session, severity Severity) stepOutcome {
	stepCtx, cancel := context.WithTimeout(ctx, en.cfg.StepTimeout)
	defer cancel()

	requestID := "es:" + sess.ID.String()
	_, err := en.invoker.Invoke(stepCtx, "emergency_services", requestID, sess.ID, func(c context.Context) (adapters.Receipt, error) {
		return en.set.EmergencyServices.Dispatch(c, adapters.DispatchRequest{
			SessionID: sess.ID,
			Severity:  string(severity),
			Language:  "en",
			RequestID: requestID,
		})
	})
	if err != nil {
		return stepOutcome{action: ActionEmergencyServicesFailed}
	}
	return stepOutcome{action: ActionEmergencyServicesContacted, ok: true}
}

func (en *Engine) stepLifeline(ctx context.Context, sess *session.Session, severity Severity) stepOutcome {
	stepCtx, cancel := context.WithTimeout(ctx, en.cfg.StepTimeout)
	defer cancel()

	requestID := "988:" + sess.ID.String()
	_, err := en.invoker.Invoke(stepCtx, "lifeline_988", requestID, sess.ID, func(c context.Context) (adapters.Receipt, error) {
		return en.set.Lifeline988.Notify(c, adapters.LifelineRequest{
			SessionID: sess.ID,
			Severity:  string(severity),
			Language:  "en",
			RequestID: requestID,
		})
	})
	if err != nil {
		return stepOutcome{action: ActionLifelineFailed}
	}
	return stepOutcome{action: ActionLifelineContacted, ok: true}
}

// specialistTags qualify a volunteer as a crisis specialist.
var specialistTags = []string{"crisis-intervention", "suicide-prevention", "emergency-response"}

func (en *Engine) stepAssignSpecialist(ctx context.Context, sess *session.Session) stepOutcome {
	stepCtx, cancel := context.WithTimeout(ctx, en.cfg.StepTimeout)
	defer cancel()

	var preferred []registry.Volunteer
	for _, v := range en.reg.Snapshot() {
		if !v.Available() || !v.EmergencyResponder || v.CurrentLoad >= 3 {
			continue
		}
		qualified := false
		for _, tag := range specialistTags {
			if v.HasSpecialization(tag) {
				qualified = true
				break
			}
		}
		if !qualified {
			continue
		}
		preferred = append(preferred, v)
	}

	sort.SliceStable(preferred, func(i, j int) bool {
		if preferred[i].CurrentLoad != preferred[j].CurrentLoad {
			return preferred[i].CurrentLoad < preferred[j].CurrentLoad
		}
		return preferred[i].AverageRating > preferred[j].AverageRating
	})

	for _, v := range preferred {
		if err := en.reg.Reserve(stepCtx, v.ID, sess.ID); err != nil {
			continue
		}
		if err := en.sessions.SetResponder(stepCtx, sess.ID, v.ID); err != nil {
			en.reg.Release(stepCtx, v.ID, sess.ID)
			return stepOutcome{action: ActionSpecialistUnavailable}
		}
		en.reg.Confirm(v.ID, sess.ID)
		return stepOutcome{action: ActionSpecialistAssigned, ok: true}
	}

	// No qualified specialist: fall back to any available emergency
	// responder from the priority list.
	for _, v := range en.reg.EmergencySnapshot() {
		if err := en.reg.Reserve(stepCtx, v.ID, sess.ID); err != nil {
			continue
		}
		if err := en.sessions.SetResponder(stepCtx, sess.ID, v.ID); err != nil {
			en.reg.Release(stepCtx, v.ID, sess.ID)
			break
		}
		en.reg.Confirm(v.ID, sess.ID)
		return stepOutcome{action: ActionSpecialistAssigned, ok: true}
	}

	return stepOutcome{action: ActionSpecialistUnavailable}
}

func (en *Engine) stepNotifyContacts(ctx context.Context, sess *session.Session, notifiable []*contacts.Contact) stepOutcome {
	stepCtx, cancel := context.WithTimeout(ctx, en.cfg.StepTimeout)
	defer cancel()

	message, err := en.book.EncryptMessage(fmt.Sprintf(
		"A person who listed you as an emergency contact is in a crisis support session (ref %s). Please reach out to them.",
		sess.ID.String()[:8]))
	if err != nil {
		return stepOutcome{action: ActionContactsFailed}
	}

	delivered := 0
	for _, c := range notifiable {
		requestID := fmt.Sprintf("contact:%s:%s", sess.ID, c.ID)
		contactID := c.ID
		_, err := en.invoker.Invoke(stepCtx, "contact_notifier", requestID, sess.ID, func(cc context.Context) (adapters.Receipt, error) {
			return en.set.ContactNotifier.Notify(cc, adapters.ContactNotification{
				ContactID:        contactID,
				Channel:          adapters.ChannelSMS,
				EncryptedMessage: message,
				RequestID:        requestID,
			})
		})
		if err == nil {
			delivered++
		}
	}

	if delivered == 0 {
		return stepOutcome{action: ActionContactsFailed}
	}
	return stepOutcome{action: ActionContactsNotified, ok: true}
}

func severityRank(s Severity) int {
	switch s {
	case SeverityEmergency:
		return 4
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	default:
		return 1
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
