package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/terminal-bench/crisisdispatch/internal/audit"
	"github.com/terminal-bench/crisisdispatch/internal/contacts"
	"github.com/terminal-bench/crisisdispatch/internal/escalation"
	"github.com/terminal-bench/crisisdispatch/internal/matcher"
	"github.com/terminal-bench/crisisdispatch/internal/registry"
	"github.com/terminal-bench/crisisdispatch/internal/session"
	"github.com/terminal-bench/crisisdispatch/pkg/crypto"
)

func (g *Gateway) healthCheck(c *gin.Context) {
	status := "healthy"
	code := http.StatusOK
	if g.sink != nil && g.sink.Degraded() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status})
}

type openSessionRequest struct {
	AnonymousID     string   `json:"anonymous_id" binding:"required"`
	InitialSeverity int      `json:"initial_severity"`
	Languages       []string `json:"languages"`
	Specializations []string `json:"specializations"`
}

func (g *Gateway) openSession(c *gin.Context) {
	var req openSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	sess, err := g.sessions.Open(c.Request.Context(), req.AnonymousID, req.InitialSeverity)
	if err != nil {
		if errors.Is(err, session.ErrUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not accepting new sessions"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open session"})
		return
	}

	token, err := g.tokens.MintSession(sess.ID, sess.AnonymousID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	g.audit("session.opened", "session", sess.ID.String(), sess.AnonymousID, nil, "OK")
	g.emit("sessions", map[string]string{"event": "opened"}, map[string]interface{}{"severity": sess.Severity})

	criteria := matcher.Criteria{
		SessionID:       sess.ID,
		Severity:        sess.Severity,
		Urgency:         urgencyFor(sess.Severity),
		Languages:       req.Languages,
		Specializations: req.Specializations,
	}
	result := g.match.Dispatch(c.Request.Context(), criteria, sess.Severity >= 9)
	if result.Match != nil {
		g.assign(c.Request.Context(), sess.ID, *result.Match)
	}

	c.JSON(http.StatusCreated, gin.H{
		"session": sessionView(sess),
		"token":   token,
		"ws_url":  "/api/v1/sessions/" + sess.ID.String() + "/stream",
		"match": gin.H{
			"matched":        result.Match != nil,
			"queued":         result.Queued,
			"queue_position": result.QueuePosition,
			"estimated_wait": result.EstimatedWait.String(),
		},
	})
}

type postMessageRequest struct {
	// Clients holding the session key submit ciphertext and iv, base64
	// encoded. Content is the plaintext alternative; the gateway encrypts
	// it with the session key before it reaches the store.
	Ciphertext      string `json:"ciphertext"`
	IV              string `json:"iv"`
	Content         string `json:"content"`
	ClientRequestID string `json:"client_request_id" binding:"required"`
}

func (g *Gateway) postMessage(c *gin.Context) {
	sessionID, claims, ok := g.sessionScope(c)
	if !ok {
		return
	}

	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	var ciphertext, iv []byte
	switch {
	case req.Ciphertext != "" && req.IV != "":
		var err error
		ciphertext, err = base64.StdEncoding.DecodeString(req.Ciphertext)
		if err == nil {
			iv, err = base64.StdEncoding.DecodeString(req.IV)
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ciphertext encoding"})
			return
		}
	case req.Content != "":
		cipher, err := g.sessions.Cipher(sessionID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		ciphertext, iv, err = cipher.Encrypt([]byte(req.Content))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encrypt message"})
			return
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "ciphertext or content required"})
		return
	}

	senderType, senderID := senderFrom(claims)
	res, err := g.sessions.AppendMessage(c.Request.Context(), sessionID, senderType, senderID, ciphertext, iv, req.ClientRequestID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		case errors.Is(err, session.ErrSessionClosed):
			c.JSON(http.StatusConflict, gin.H{"error": "session is closed"})
		case errors.Is(err, crypto.ErrCipher):
			g.audit("message.rejected", "session", sessionID.String(), senderID, nil, audit.OutcomeAlert)
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "message authentication failed"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to append message"})
		}
		return
	}

	if !res.Duplicate && senderType == session.SenderAnonymousUser && res.Assessment.ImmediateRisk {
		go g.autoEscalate(sessionID)
	}

	c.JSON(http.StatusCreated, gin.H{
		"message_id":   res.Message.ID,
		"timestamp_ns": res.Message.TimestampNs,
		"duplicate":    res.Duplicate,
		"assessment": gin.H{
			"severity":            res.Assessment.Severity,
			"risk_level":          res.Assessment.RiskLevel,
			"immediate_risk":      res.Assessment.ImmediateRisk,
			"confidence":          res.Assessment.Confidence,
			"recommended_actions": res.Assessment.RecommendedActions,
		},
	})
}

// autoEscalate runs the keyword-triggered escalation off the request path.
func (g *Gateway) autoEscalate(sessionID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if _, err := g.engine.Trigger(ctx, sessionID, escalation.TriggerAutomaticKeyword); err != nil {
		g.audit("escalation.trigger_failed", "session", sessionID.String(), "system",
			gin.H{"error": err.Error()}, "ERROR")
	}
}

func (g *Gateway) listMessages(c *gin.Context) {
	sessionID, _, ok := g.sessionScope(c)
	if !ok {
		return
	}

	msgs, err := g.sessions.Messages(sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	out := make([]gin.H, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, gin.H{
			"id":           m.ID,
			"sender_type":  m.SenderType,
			"timestamp_ns": m.TimestampNs,
			"risk_score":   m.RiskScore,
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

func (g *Gateway) notifyTyping(c *gin.Context) {
	sessionID, claims, ok := g.sessionScope(c)
	if !ok {
		return
	}

	_, senderID := senderFrom(claims)
	if err := g.sessions.NotifyTyping(sessionID, senderID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

type escalateRequest struct {
	Trigger string `json:"trigger" binding:"required"`
}

func (g *Gateway) requestEscalation(c *gin.Context) {
	sessionID, claims, ok := g.sessionScope(c)
	if !ok {
		return
	}

	var req escalateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	trigger, ok := manualTrigger(req.Trigger, claims)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid trigger"})
		return
	}

	result, err := g.engine.Trigger(c.Request.Context(), sessionID, trigger)
	if err != nil {
		if errors.Is(err, escalation.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "escalation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escalation_id":       result.EscalationID,
		"severity":            result.Severity,
		"actions_taken":       result.ActionsTaken,
		"emergency_contacted": result.EmergencyContacted,
		"lifeline_called":     result.Lifeline988Called,
		"specialist_assigned": result.SpecialistAssigned,
		"response_time_ms":    result.ResponseTimeMs,
		"next_steps":          result.NextSteps,
	})
}

// manualTrigger restricts which trigger values each actor may request.
func manualTrigger(raw string, claims *Claims) (escalation.Trigger, bool) {
	switch escalation.Trigger(raw) {
	case escalation.TriggerUserRequest:
		return escalation.TriggerUserRequest, claims.Actor == ActorUser
	case escalation.TriggerVolunteerRequest:
		return escalation.TriggerVolunteerRequest, claims.Actor == ActorVolunteer
	default:
		return "", false
	}
}

type attachRequest struct {
	VolunteerID string `json:"volunteer_id" binding:"required"`
}

func (g *Gateway) attachVolunteer(c *gin.Context) {
	sessionID, claims, ok := g.sessionScope(c)
	if !ok {
		return
	}
	if claims.Actor != ActorVolunteer {
		c.JSON(http.StatusForbidden, gin.H{"error": "volunteer token required"})
		return
	}

	var req attachRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	volunteerID, err := uuid.Parse(req.VolunteerID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid volunteer ID"})
		return
	}

	if err := g.sessions.Attach(c.Request.Context(), sessionID, volunteerID); err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		case errors.Is(err, session.ErrAlreadyAttached):
			c.JSON(http.StatusConflict, gin.H{"error": "session already has a responder"})
		case errors.Is(err, session.ErrSessionClosed):
			c.JSON(http.StatusConflict, gin.H{"error": "session is closed"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to attach"})
		}
		return
	}

	g.reg.Confirm(volunteerID, sessionID)
	g.audit("session.assigned", "session", sessionID.String(), volunteerID.String(), nil, "OK")
	c.JSON(http.StatusOK, gin.H{"status": "attached"})
}

type resolveRequest struct {
	Outcome string `json:"outcome" binding:"required"`
	Notes   string `json:"notes"`
}

func (g *Gateway) resolveSession(c *gin.Context) {
	sessionID, _, ok := g.sessionScope(c)
	if !ok {
		return
	}

	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	sess, err := g.sessions.Get(sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	if err := g.sessions.Resolve(c.Request.Context(), sessionID, req.Outcome, req.Notes); err != nil {
		if errors.Is(err, session.ErrAlreadyTerminal) {
			c.JSON(http.StatusConflict, gin.H{"error": "session already closed"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve session"})
		return
	}

	if sess.ResponderID != nil {
		g.reg.Release(c.Request.Context(), *sess.ResponderID, sessionID)
	}
	g.engine.Close(c.Request.Context(), sessionID)

	g.audit("session.resolved", "session", sessionID.String(), req.Outcome, nil, "OK")
	g.emit("sessions", map[string]string{"event": "resolved"}, map[string]interface{}{"count": 1})
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}

type volunteerRequest struct {
	ID                 string   `json:"id"`
	AnonymousID        string   `json:"anonymous_id" binding:"required"`
	Specializations    []string `json:"specializations"`
	Languages          []string `json:"languages"`
	MaxConcurrent      int      `json:"max_concurrent"`
	AverageRating      float64  `json:"average_rating"`
	ResponseRate       float64  `json:"response_rate"`
	EmergencyResponder bool     `json:"emergency_responder"`
	BurnoutScore       float64  `json:"burnout_score"`
	PriorityScore      float64  `json:"priority_score"`
}

func (g *Gateway) upsertVolunteer(c *gin.Context) {
	var req volunteerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	id := uuid.New()
	if req.ID != "" {
		parsed, err := uuid.Parse(req.ID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid volunteer ID"})
			return
		}
		id = parsed
	}
	if req.MaxConcurrent <= 0 {
		req.MaxConcurrent = 3
	}

	v := registry.Volunteer{
		ID:                 id,
		AnonymousID:        req.AnonymousID,
		Status:             registry.StatusActive,
		IsActive:           true,
		Specializations:    req.Specializations,
		Languages:          req.Languages,
		MaxConcurrent:      req.MaxConcurrent,
		AverageRating:      req.AverageRating,
		ResponseRate:       req.ResponseRate,
		EmergencyResponder: req.EmergencyResponder,
		BurnoutScore:       req.BurnoutScore,
		PriorityScore:      req.PriorityScore,
		LastActiveAt:       time.Now(),
	}
	g.reg.Upsert(v)

	token, err := g.tokens.MintVolunteer(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	g.audit("volunteer.registered", "volunteer", id.String(), req.AnonymousID, nil, "OK")
	c.JSON(http.StatusCreated, gin.H{"volunteer_id": id, "token": token})
}

type statusRequest struct {
	Status   string `json:"status" binding:"required"`
	IsActive bool   `json:"is_active"`
}

func (g *Gateway) setVolunteerStatus(c *gin.Context) {
	claims := c.MustGet("claims").(*Claims)
	if claims.Actor != ActorVolunteer {
		c.JSON(http.StatusForbidden, gin.H{"error": "volunteer token required"})
		return
	}

	volunteerID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid volunteer ID"})
		return
	}
	if claims.VolunteerID != volunteerID.String() {
		c.JSON(http.StatusForbidden, gin.H{"error": "token does not match volunteer"})
		return
	}

	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	switch registry.Status(req.Status) {
	case registry.StatusActive, registry.StatusBusy, registry.StatusOffline:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return
	}

	g.reg.SetStatus(volunteerID, registry.Status(req.Status), req.IsActive)
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

type contactRequest struct {
	UserID         string `json:"user_id" binding:"required"`
	Name           string `json:"name" binding:"required"`
	Phone          string `json:"phone" binding:"required"`
	Email          string `json:"email"`
	Priority       int    `json:"priority"`
	Relationship   string `json:"relationship"`
	AutoNotify     bool   `json:"auto_notify"`
	CrisisOnly     bool   `json:"crisis_only"`
	HasConsent     bool   `json:"has_consent"`
	Verified       bool   `json:"verified"`
	AvailableHours string `json:"available_hours"`
}

func (g *Gateway) registerContact(c *gin.Context) {
	var req contactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	contact, err := g.book.Add(c.Request.Context(), contacts.ContactInput{
		UserID:         req.UserID,
		Name:           req.Name,
		Phone:          req.Phone,
		Email:          req.Email,
		Priority:       req.Priority,
		Relationship:   req.Relationship,
		AutoNotify:     req.AutoNotify,
		CrisisOnly:     req.CrisisOnly,
		HasConsent:     req.HasConsent,
		Verified:       req.Verified,
		AvailableHours: req.AvailableHours,
	})
	if err != nil {
		if errors.Is(err, contacts.ErrConsentRequired) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "auto-notify requires consent and verification"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register contact"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"contact_id": contact.ID})
}

func (g *Gateway) getStats(c *gin.Context) {
	attempts, successes, misses := g.match.Stats()

	depths := make(map[string]int)
	for urgency, depth := range g.match.QueueDepths() {
		depths[string(urgency)] = depth
	}

	byStatus := make(map[string]int)
	for status, n := range g.sessions.Count() {
		byStatus[string(status)] = n
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions_by_status":   byStatus,
		"active_escalations":   g.engine.OpenCount(),
		"queue_depths":         depths,
		"available_volunteers": g.reg.AvailableCount(),
		"match_attempts":       attempts,
		"match_successes":      successes,
		"deadline_misses":      misses,
		"audit_degraded":       g.sink != nil && g.sink.Degraded(),
	})
}

// Helpers

// assign binds a reserved match to the session, releasing the reservation
// if the attach loses a race.
func (g *Gateway) assign(ctx context.Context, sessionID uuid.UUID, m matcher.Match) {
	if err := g.sessions.Attach(ctx, sessionID, m.Volunteer.ID); err != nil {
		g.reg.Release(ctx, m.Volunteer.ID, sessionID)
		return
	}
	g.reg.Confirm(m.Volunteer.ID, sessionID)
}

func (g *Gateway) sessionScope(c *gin.Context) (uuid.UUID, *Claims, bool) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session ID"})
		return uuid.Nil, nil, false
	}

	claims := c.MustGet("claims").(*Claims)
	if !claims.allowSession(sessionID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "token not valid for session"})
		return uuid.Nil, nil, false
	}
	return sessionID, claims, true
}

func senderFrom(claims *Claims) (session.SenderType, string) {
	if claims.Actor == ActorVolunteer {
		return session.SenderVolunteer, claims.VolunteerID
	}
	return session.SenderAnonymousUser, claims.AnonymousID
}

func urgencyFor(severity int) matcher.Urgency {
	switch {
	case severity >= 8:
		return matcher.UrgencyCritical
	case severity >= 6:
		return matcher.UrgencyHigh
	case severity >= 4:
		return matcher.UrgencyNormal
	default:
		return matcher.UrgencyLow
	}
}

func sessionView(s *session.Session) gin.H {
	return gin.H{
		"id":           s.ID,
		"anonymous_id": s.AnonymousID,
		"status":       s.Status,
		"severity":     s.Severity,
		"started_at":   s.StartedAt,
	}
}

func (g *Gateway) audit(event, entity, entityID, actor string, details interface{}, outcome string) {
	if g.sink != nil {
		g.sink.Append(event, entity, entityID, actor, details, outcome)
	}
}

func (g *Gateway) emit(measurement string, tags map[string]string, fields map[string]interface{}) {
	if g.metrics != nil {
		g.metrics.Emit(measurement, tags, fields)
	}
}
