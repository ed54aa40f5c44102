package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/terminal-bench/crisisdispatch/internal/audit"
	"github.com/terminal-bench/crisisdispatch/internal/contacts"
	"github.com/terminal-bench/crisisdispatch/internal/escalation"
	"github.com/terminal-bench/crisisdispatch/internal/registry"
	"github.com/terminal-bench/crisisdispatch/internal/session"
	"github.com/terminal-bench/crisisdispatch/pkg/crypto"
)

// Store implements the persistence interfaces of the domain packages on a
// single PostgreSQL database.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// SaveSession inserts a new session row. The session key is stored encoded.
func (s *Store) SaveSession(ctx context.Context, sess *session.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, anonymous_id, status, severity, responder_id, started_at,
			ended_at, last_message_at, emergency_triggered, escalation_type, escalated_at,
			session_key, resolution_outcome, resolution_notes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		sess.ID, sess.AnonymousID, sess.Status, sess.Severity, sess.ResponderID,
		sess.StartedAt, sess.EndedAt, sess.LastMessageAt, sess.EmergencyTriggered,
		nullString(sess.EscalationType), sess.EscalatedAt,
		crypto.EncodeKey(sess.SessionKey),
		nullString(sess.ResolutionOutcome), nullString(sess.ResolutionNotes),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// UpdateSession rewrites the mutable columns of a session row.
func (s *Store) UpdateSession(ctx context.Context, sess *session.Session) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = $2, severity = $3, responder_id = $4, ended_at = $5,
			last_message_at = $6, emergency_triggered = $7, escalation_type = $8,
			escalated_at = $9, resolution_outcome = $10, resolution_notes = $11
		 WHERE id = $1`,
		sess.ID, sess.Status, sess.Severity, sess.ResponderID, sess.EndedAt,
		sess.LastMessageAt, sess.EmergencyTriggered, nullString(sess.EscalationType),
		sess.EscalatedAt, nullString(sess.ResolutionOutcome), nullString(sess.ResolutionNotes),
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

// SaveMessage inserts one encrypted message row.
func (s *Store) SaveMessage(ctx context.Context, msg *session.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, sender_type, sender_id, timestamp_ns,
			ciphertext, iv, risk_score, sentiment_score, keywords_detected, response_latency_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		msg.ID, msg.SessionID, msg.SenderType, msg.SenderID, msg.TimestampNs,
		msg.Ciphertext, msg.IV, msg.RiskScore, msg.SentimentScore,
		pq.Array(msg.KeywordsDetected), msg.ResponseLatencyMs,
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// SaveEscalation inserts a new escalation row.
func (s *Store) SaveEscalation(ctx context.Context, esc *escalation.Escalation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO escalations (id, session_id, trigger_type, severity, actions_taken,
			emergency_contacted, lifeline_called, specialist_assigned, response_time_ms,
			next_steps, opened_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		esc.ID, esc.SessionID, esc.Trigger, esc.Severity, pq.Array(esc.ActionsTaken),
		esc.EmergencyContacted, esc.Lifeline988Called, esc.SpecialistAssigned,
		esc.ResponseTimeMs, pq.Array(esc.NextSteps), esc.OpenedAt, esc.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save escalation: %w", err)
	}
	return nil
}

// UpdateEscalation rewrites the outcome columns of an escalation row.
func (s *Store) UpdateEscalation(ctx context.Context, esc *escalation.Escalation) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE escalations SET severity = $2, actions_taken = $3, emergency_contacted = $4,
			lifeline_called = $5, specialist_assigned = $6, response_time_ms = $7,
			next_steps = $8, closed_at = $9
		 WHERE id = $1`,
		esc.ID, esc.Severity, pq.Array(esc.ActionsTaken), esc.EmergencyContacted,
		esc.Lifeline988Called, esc.SpecialistAssigned, esc.ResponseTimeMs,
		pq.Array(esc.NextSteps), esc.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update escalation: %w", err)
	}
	return nil
}

// SaveContact inserts an emergency contact with its fields already encrypted.
func (s *Store) SaveContact(ctx context.Context, c *contacts.Contact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO emergency_contacts (id, user_id, name_ct, name_iv, phone_ct, phone_iv,
			email_ct, email_iv, priority, relationship, auto_notify, crisis_only,
			has_consent, verified, available_hours)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		c.ID, c.UserID, c.Name.Ciphertext, c.Name.IV, c.Phone.Ciphertext, c.Phone.IV,
		c.Email.Ciphertext, c.Email.IV, c.Priority, c.Relationship,
		c.AutoNotify, c.CrisisOnly, c.HasConsent, c.Verified,
		nullString(c.AvailableHours),
	)
	if err != nil {
		return fmt.Errorf("failed to save contact: %w", err)
	}
	return nil
}

// SaveVolunteerSnapshot upserts one row of the persisted volunteer view.
func (s *Store) SaveVolunteerSnapshot(ctx context.Context, v registry.Volunteer) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO volunteers_snapshot (id, anonymous_id, status, is_active, specializations,
			languages, current_load, max_concurrent, average_rating, response_rate,
			emergency_responder, burnout_score, priority_score, last_active_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())
		 ON CONFLICT (id) DO UPDATE SET
			anonymous_id = EXCLUDED.anonymous_id, status = EXCLUDED.status,
			is_active = EXCLUDED.is_active, specializations = EXCLUDED.specializations,
			languages = EXCLUDED.languages, current_load = EXCLUDED.current_load,
			max_concurrent = EXCLUDED.max_concurrent, average_rating = EXCLUDED.average_rating,
			response_rate = EXCLUDED.response_rate, emergency_responder = EXCLUDED.emergency_responder,
			burnout_score = EXCLUDED.burnout_score, priority_score = EXCLUDED.priority_score,
			last_active_at = EXCLUDED.last_active_at, updated_at = NOW()`,
		v.ID, v.AnonymousID, v.Status, v.IsActive, pq.Array(v.Specializations),
		pq.Array(v.Languages), v.CurrentLoad, v.MaxConcurrent, v.AverageRating,
		v.ResponseRate, v.EmergencyResponder, v.BurnoutScore, v.PriorityScore, v.LastActiveAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save volunteer snapshot: %w", err)
	}
	return nil
}

// SaveAuditRecord appends one audit row. Audit rows are never updated.
func (s *Store) SaveAuditRecord(ctx context.Context, r *audit.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (event_type, entity, entity_id, timestamp_ns, actor, details, outcome)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.EventType, r.Entity, r.EntityID, r.TimestampNs, r.Actor, nullBytes(r.Details), r.Outcome,
	)
	if err != nil {
		return fmt.Errorf("failed to save audit record: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
