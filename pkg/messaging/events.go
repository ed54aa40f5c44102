package messaging

import (
	"time"

	"github.com/google/uuid"
)

// Subjects for dispatch events.
const (
	SubjectSessionOpened     = "sessions.opened"
	SubjectSessionAssigned   = "sessions.assigned"
	SubjectSessionEscalated  = "sessions.escalated"
	SubjectSessionResolved   = "sessions.resolved"
	SubjectSessionAbandoned  = "sessions.abandoned"
	SubjectMessageAppended   = "messages.appended"
	SubjectAssessmentAlert   = "risk.assessment"
	SubjectVolunteerReserved = "volunteers.reserved"
	SubjectVolunteerReleased = "volunteers.released"
	SubjectRegistryRefreshed = "volunteers.refreshed"
	SubjectEscalationOpened  = "escalations.opened"
	SubjectEscalationClosed  = "escalations.closed"
	SubjectAdapterInvoked    = "adapters.invoked"
	SubjectDeadlineMissed    = "sla.deadline_missed"
)

// SessionEvent describes a session lifecycle transition.
type SessionEvent struct {
	SessionID   uuid.UUID `json:"session_id"`
	AnonymousID string    `json:"anonymous_id"`
	Status      string    `json:"status"`
	Severity    int       `json:"severity"`
	ResponderID string    `json:"responder_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// AssessmentEvent is emitted for risk assessments with a severity delta >= 2.
type AssessmentEvent struct {
	SessionID     uuid.UUID `json:"session_id"`
	MessageID     uuid.UUID `json:"message_id"`
	Severity      int       `json:"severity"`
	PrevSeverity  int       `json:"prev_severity"`
	RiskLevel     string    `json:"risk_level"`
	ImmediateRisk bool      `json:"immediate_risk"`
	Timestamp     time.Time `json:"timestamp"`
}

// VolunteerEvent describes a reservation or release.
type VolunteerEvent struct {
	VolunteerID uuid.UUID `json:"volunteer_id"`
	SessionID   uuid.UUID `json:"session_id,omitempty"`
	CurrentLoad int       `json:"current_load"`
	Timestamp   time.Time `json:"timestamp"`
}

// EscalationEvent describes an escalation opening or closing.
type EscalationEvent struct {
	EscalationID uuid.UUID `json:"escalation_id"`
	SessionID    uuid.UUID `json:"session_id"`
	Trigger      string    `json:"trigger"`
	// RawTrigger preserves the pre-mapping trigger when a legacy mapping
	// collapses values (AI_ASSESSMENT reported alongside AUTOMATIC_KEYWORD).
	RawTrigger     string    `json:"raw_trigger,omitempty"`
	Severity       string    `json:"severity"`
	ActionsTaken   []string  `json:"actions_taken,omitempty"`
	ResponseTimeMs int64     `json:"response_time_ms,omitempty"`
	TargetMet      bool      `json:"target_met"`
	Timestamp      time.Time `json:"timestamp"`
}

// AdapterEvent records an external adapter invocation outcome.
type AdapterEvent struct {
	Adapter   string    `json:"adapter"`
	RequestID string    `json:"request_id"`
	SessionID uuid.UUID `json:"session_id"`
	Delivered bool      `json:"delivered"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DeadlineMissEvent records a blown latency target.
type DeadlineMissEvent struct {
	Component string    `json:"component"`
	Operation string    `json:"operation"`
	TargetMs  int64     `json:"target_ms"`
	ActualMs  int64     `json:"actual_ms"`
	SessionID uuid.UUID `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
