package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// Migrate creates the persisted layout if it does not exist yet.
func Migrate(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id UUID PRIMARY KEY,
			anonymous_id TEXT NOT NULL,
			status TEXT NOT NULL,
			severity INT NOT NULL,
			responder_id UUID,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			last_message_at TIMESTAMPTZ NOT NULL,
			emergency_triggered BOOLEAN NOT NULL DEFAULT FALSE,
			escalation_type TEXT,
			escalated_at TIMESTAMPTZ,
			session_key TEXT NOT NULL,
			resolution_outcome TEXT,
			resolution_notes TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id UUID PRIMARY KEY,
			session_id UUID NOT NULL REFERENCES sessions(id),
			sender_type TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			timestamp_ns BIGINT NOT NULL,
			ciphertext BYTEA NOT NULL,
			iv BYTEA NOT NULL,
			risk_score INT NOT NULL,
			sentiment_score DOUBLE PRECISION NOT NULL,
			keywords_detected TEXT[] NOT NULL DEFAULT '{}',
			response_latency_ms BIGINT NOT NULL DEFAULT 0,
			UNIQUE (session_id, timestamp_ns)
		)`,
		`CREATE TABLE IF NOT EXISTS escalations (
			id UUID PRIMARY KEY,
			session_id UUID NOT NULL,
			trigger_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			actions_taken TEXT[] NOT NULL DEFAULT '{}',
			emergency_contacted BOOLEAN NOT NULL DEFAULT FALSE,
			lifeline_called BOOLEAN NOT NULL DEFAULT FALSE,
			specialist_assigned BOOLEAN NOT NULL DEFAULT FALSE,
			response_time_ms BIGINT NOT NULL DEFAULT 0,
			next_steps TEXT[] NOT NULL DEFAULT '{}',
			opened_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS volunteers_snapshot (
			id UUID PRIMARY KEY,
			anonymous_id TEXT NOT NULL,
			status TEXT NOT NULL,
			is_active BOOLEAN NOT NULL,
			specializations TEXT[] NOT NULL DEFAULT '{}',
			languages TEXT[] NOT NULL DEFAULT '{}',
			current_load INT NOT NULL,
			max_concurrent INT NOT NULL,
			average_rating DOUBLE PRECISION NOT NULL,
			response_rate DOUBLE PRECISION NOT NULL,
			emergency_responder BOOLEAN NOT NULL,
			burnout_score DOUBLE PRECISION NOT NULL,
			priority_score DOUBLE PRECISION NOT NULL,
			last_active_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS emergency_contacts (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			name_ct BYTEA NOT NULL,
			name_iv BYTEA NOT NULL,
			phone_ct BYTEA NOT NULL,
			phone_iv BYTEA NOT NULL,
			email_ct BYTEA,
			email_iv BYTEA,
			priority INT NOT NULL,
			relationship TEXT,
			auto_notify BOOLEAN NOT NULL,
			crisis_only BOOLEAN NOT NULL,
			has_consent BOOLEAN NOT NULL,
			verified BOOLEAN NOT NULL,
			available_hours TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id BIGSERIAL PRIMARY KEY,
			event_type TEXT NOT NULL,
			entity TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			timestamp_ns BIGINT NOT NULL,
			actor TEXT NOT NULL,
			details JSONB,
			outcome TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, timestamp_ns)`,
		`CREATE INDEX IF NOT EXISTS idx_escalations_session ON escalations(session_id, opened_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_user ON emergency_contacts(user_id, priority)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}
