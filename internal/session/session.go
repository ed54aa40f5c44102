package session

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is a session lifecycle state.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusAssigned  Status = "ASSIGNED"
	StatusEscalated Status = "ESCALATED"
	StatusResolved  Status = "RESOLVED"
	StatusAbandoned Status = "ABANDONED"
)

// Terminal reports whether the status is immutable.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusAbandoned
}

// SenderType identifies who authored a message.
type SenderType string

const (
	SenderAnonymousUser SenderType = "ANONYMOUS_USER"
	SenderVolunteer     SenderType = "VOLUNTEER"
	SenderSystem        SenderType = "SYSTEM"
	SenderAIAssistant   SenderType = "AI_ASSISTANT"
)

// Domain errors surfaced to callers. These are expected conditions, not
// incidents.
var (
	ErrNotFound        = errors.New("session not found")
	ErrUnavailable     = errors.New("service degraded, not accepting new sessions")
	ErrSessionClosed   = errors.New("session is closed")
	ErrAlreadyTerminal = errors.New("session already in a terminal state")
	ErrAlreadyAttached = errors.New("session already has a responder")
	ErrNotAttached     = errors.New("session has no responder")
	ErrOrderViolation  = errors.New("non-monotonic message timestamp")
)

// Session is one crisis conversation.
type Session struct {
	ID                 uuid.UUID
	AnonymousID        string
	Status             Status
	Severity           int
	ResponderID        *uuid.UUID
	StartedAt          time.Time
	EndedAt            *time.Time
	LastMessageAt      time.Time
	EmergencyTriggered bool
	EscalationType     string
	EscalatedAt        *time.Time
	SessionKey         []byte
	ResolutionOutcome  string
	ResolutionNotes    string
}

// Message is one encrypted message within a session. TimestampNs is strictly
// increasing within the session.
type Message struct {
	ID                uuid.UUID
	SessionID         uuid.UUID
	SenderType        SenderType
	SenderID          string
	TimestampNs       int64
	Ciphertext        []byte
	IV                []byte
	RiskScore         int
	SentimentScore    float64
	KeywordsDetected  []string
	ResponseLatencyMs int64
}

// Frame is one unit of fan-out to a session subscriber.
type Frame struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// Frame types pushed on the session stream.
const (
	FrameMessage            = "message"
	FrameTyping             = "typing"
	FrameVolunteerJoined    = "volunteer_joined"
	FrameSystemNotification = "system_notification"
	FrameEmergencyAlert     = "emergency_alert"
)
