package escalation

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Trigger identifies what raised the escalation.
type Trigger string

const (
	TriggerAutomaticKeyword Trigger = "AUTOMATIC_KEYWORD"
	TriggerVolunteerRequest Trigger = "VOLUNTEER_REQUEST"
	TriggerUserRequest      Trigger = "USER_REQUEST"
	TriggerTimeout          Trigger = "TIMEOUT"
	TriggerAIAssessment     Trigger = "AI_ASSESSMENT"
)

// legacyTrigger is the collapsed value older records used for AI
// assessments. It is reported in logs beside the real trigger, never
// persisted in its place.
func (t Trigger) legacyTrigger() Trigger {
	if t == TriggerAIAssessment {
		return TriggerAutomaticKeyword
	}
	return t
}

// Severity tiers the escalation response.
type Severity string

const (
	SeverityModerate  Severity = "MODERATE"
	SeverityHigh      Severity = "HIGH"
	SeverityCritical  Severity = "CRITICAL"
	SeverityEmergency Severity = "EMERGENCY"
)

// Action outcomes recorded in an escalation's action list.
const (
	ActionEmergencyServicesContacted = "EMERGENCY_SERVICES_CONTACTED"
	ActionEmergencyServicesFailed    = "EMERGENCY_SERVICES_FAILED"
	ActionLifelineContacted          = "988_LIFELINE_CONTACTED"
	ActionLifelineFailed             = "988_LIFELINE_FAILED"
	ActionSpecialistAssigned         = "CRISIS_SPECIALIST_ASSIGNED"
	ActionSpecialistUnavailable      = "CRISIS_SPECIALIST_UNAVAILABLE"
	ActionContactsNotified           = "EMERGENCY_CONTACTS_NOTIFIED"
	ActionContactsFailed             = "EMERGENCY_CONTACTS_FAILED"
)

// Outcome summarizes how the escalation run went.
type Outcome string

const (
	OutcomeCompleted      Outcome = "COMPLETED"
	OutcomePartialFailure Outcome = "PARTIAL_FAILURE"
)

// ErrNotFound is returned when the session does not exist.
var ErrNotFound = errors.New("session not found")

// Escalation is the persisted record of one escalation protocol run.
// A session has at most one open escalation; repeated triggers append to it.
type Escalation struct {
	ID                 uuid.UUID
	SessionID          uuid.UUID
	Trigger            Trigger
	Severity           Severity
	ActionsTaken       []string
	EmergencyContacted bool
	Lifeline988Called  bool
	SpecialistAssigned bool
	ResponseTimeMs     int64
	NextSteps          []string
	OpenedAt           time.Time
	ClosedAt           *time.Time
}

// Result is what a trigger call returns to the caller.
type Result struct {
	EscalationID       uuid.UUID
	SessionID          uuid.UUID
	Trigger            Trigger
	Severity           Severity
	ActionsTaken       []string
	EmergencyContacted bool
	Lifeline988Called  bool
	SpecialistAssigned bool
	ResponseTimeMs     int64
	TargetMet          bool
	NextSteps          []string
	Outcome            Outcome
}

// nextStepFor maps an executed action to its human-readable next step.
// Failed actions map to manual fallbacks so a person in crisis always gets
// direction even when a provider is down.
func nextStepFor(action string) string {
	switch action {
	case ActionEmergencyServicesContacted:
		return "Emergency services have been dispatched to the situation"
	case ActionEmergencyServicesFailed:
		return "Emergency services could not be reached automatically; call 911 directly"
	case ActionLifelineContacted:
		return "988 Suicide & Crisis Lifeline has been notified"
	case ActionLifelineFailed:
		return "Please call 988 directly to reach the Suicide & Crisis Lifeline"
	case ActionSpecialistAssigned:
		return "A crisis specialist has joined your session"
	case ActionSpecialistUnavailable:
		return "A crisis specialist will join as soon as one is available"
	case ActionContactsNotified:
		return "Your emergency contacts have been notified"
	case ActionContactsFailed:
		return "We could not reach your emergency contacts; consider contacting someone you trust"
	default:
		return ""
	}
}
