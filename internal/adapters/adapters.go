package adapters

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Receipt is the common adapter invocation result.
type Receipt struct {
	Delivered bool
	Reference string
	AckAt     time.Time
	Error     string
}

// DispatchRequest asks emergency services to respond to a session.
type DispatchRequest struct {
	SessionID uuid.UUID
	Severity  string
	Location  string
	Language  string
	RequestID string
}

// LifelineRequest notifies the 988 Suicide & Crisis Lifeline.
type LifelineRequest struct {
	SessionID uuid.UUID
	Severity  string
	Language  string
	RequestID string
}

// Channel is a contact notification transport.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelVoice Channel = "voice"
	ChannelEmail Channel = "email"
)

// ContactNotification carries an encrypted message to one emergency contact.
type ContactNotification struct {
	ContactID        uuid.UUID
	Channel          Channel
	EncryptedMessage []byte
	RequestID        string
}

// EmergencyServices dispatches physical emergency response. Implementations
// must be idempotent on SessionID.
type EmergencyServices interface {
	Dispatch(ctx context.Context, req DispatchRequest) (Receipt, error)
}

// Lifeline988 notifies the crisis hotline. Idempotent on SessionID.
type Lifeline988 interface {
	Notify(ctx context.Context, req LifelineRequest) (Receipt, error)
}

// ContactNotifier delivers notifications to pre-registered emergency
// contacts over SMS, voice, or email.
type ContactNotifier interface {
	Notify(ctx context.Context, n ContactNotification) (Receipt, error)
}

// Set bundles the external adapters the escalation engine depends on.
// Constructor injection keeps tests free to swap stubs in.
type Set struct {
	EmergencyServices EmergencyServices
	Lifeline988       Lifeline988
	ContactNotifier   ContactNotifier
}
