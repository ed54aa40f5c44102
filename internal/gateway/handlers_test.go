package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/crisisdispatch/internal/adapters"
	"github.com/terminal-bench/crisisdispatch/internal/audit"
	"github.com/terminal-bench/crisisdispatch/internal/contacts"
	"github.com/terminal-bench/crisisdispatch/internal/escalation"
	"github.com/terminal-bench/crisisdispatch/internal/matcher"
	"github.com/terminal-bench/crisisdispatch/internal/registry"
	"github.com/terminal-bench/crisisdispatch/internal/risk"
	"github.com/terminal-bench/crisisdispatch/internal/session"
	"github.com/terminal-bench/crisisdispatch/pkg/crypto"
)

type testEnv struct {
	gw       *Gateway
	sessions *session.Store
	reg      *registry.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	responder := registry.Volunteer{
		ID:            uuid.New(),
		AnonymousID:   "vol-anon",
		Status:        registry.StatusActive,
		IsActive:      true,
		Languages:     []string{"en"},
		MaxConcurrent: 2,
		AverageRating: 4.2,
		ResponseRate:  0.8,
		LastActiveAt:  time.Now(),
	}
	reg := registry.New(registry.NewStaticStore(responder), nil, time.Hour, time.Minute)
	require.NoError(t, reg.Refresh(context.Background()))

	sessions := session.NewStore(nil, nil, risk.NewAssessor(risk.DefaultLexicon()), session.Config{
		ActiveTimeout:   20 * time.Minute,
		AssignedTimeout: time.Hour,
	})

	match := matcher.New(reg, nil, matcher.Config{
		MinScore:      0.6,
		MaxCandidates: 20,
		QueueLimit:    10,
	})

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	book, err := contacts.NewBook(key, nil)
	require.NoError(t, err)

	set, _, _, _ := adapters.NewStubSet()
	invoker := adapters.NewInvoker(nil, 2, time.Millisecond)
	engine := escalation.NewEngine(sessions, reg, book, set, invoker, nil, nil, escalation.Config{
		DeadlineModerate:  30 * time.Second,
		DeadlineHigh:      30 * time.Second,
		DeadlineCritical:  30 * time.Second,
		DeadlineEmergency: 30 * time.Second,
		StepTimeout:       5 * time.Second,
		DedupWindow:       200 * time.Millisecond,
	})

	gw := New(Config{RateLimitMax: 0}, Deps{
		Sessions: sessions,
		Matcher:  match,
		Engine:   engine,
		Registry: reg,
		Contacts: book,
		Sink:     audit.NewSink(nil, 64),
		Metrics:  audit.NopMetrics{},
		Tokens:   NewTokenManager("test-secret", time.Hour),
	})
	return &testEnv{gw: gw, sessions: sessions, reg: reg}
}

func (env *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	env.gw.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (env *testEnv) openSession(t *testing.T, anonymousID string) (uuid.UUID, string) {
	t.Helper()

	rec := env.do(t, http.MethodPost, "/api/v1/sessions", "", map[string]interface{}{
		"anonymous_id":     anonymousID,
		"initial_severity": 3,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decode(t, rec)
	sess := body["session"].(map[string]interface{})
	id, err := uuid.Parse(sess["id"].(string))
	require.NoError(t, err)
	return id, body["token"].(string)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOpenSessionMatchesVolunteer(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/sessions", "", map[string]interface{}{
		"anonymous_id": "anon-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decode(t, rec)
	assert.NotEmpty(t, body["token"])
	assert.Contains(t, body["ws_url"], "/stream")
	match := body["match"].(map[string]interface{})
	assert.True(t, match["matched"].(bool))

	id, err := uuid.Parse(body["session"].(map[string]interface{})["id"].(string))
	require.NoError(t, err)
	sess, err := env.sessions.Get(id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusAssigned, sess.Status)
	require.NotNil(t, sess.ResponderID)
}

func TestPostMessagePlaintext(t *testing.T) {
	env := newTestEnv(t)
	id, token := env.openSession(t, "anon-2")

	rec := env.do(t, http.MethodPost, "/api/v1/sessions/"+id.String()+"/messages", token, map[string]interface{}{
		"content":           "I feel hopeless",
		"client_request_id": "req-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decode(t, rec)
	assert.False(t, body["duplicate"].(bool))
	assessment := body["assessment"].(map[string]interface{})
	assert.Equal(t, float64(4), assessment["severity"])

	t.Run("replay returns duplicate", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/sessions/"+id.String()+"/messages", token, map[string]interface{}{
			"content":           "I feel hopeless",
			"client_request_id": "req-1",
		})
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.True(t, decode(t, rec)["duplicate"].(bool))
	})
}

func TestPostMessageCiphertext(t *testing.T) {
	env := newTestEnv(t)
	id, token := env.openSession(t, "anon-3")

	cipher, err := env.sessions.Cipher(id)
	require.NoError(t, err)
	ciphertext, iv, err := cipher.Encrypt([]byte("I feel hopeless"))
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/v1/sessions/"+id.String()+"/messages", token, map[string]interface{}{
		"ciphertext":        base64.StdEncoding.EncodeToString(ciphertext),
		"iv":                base64.StdEncoding.EncodeToString(iv),
		"client_request_id": "req-ct",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	t.Run("tampered ciphertext rejected", func(t *testing.T) {
		bad := append([]byte(nil), ciphertext...)
		bad[0] ^= 0xff
		rec := env.do(t, http.MethodPost, "/api/v1/sessions/"+id.String()+"/messages", token, map[string]interface{}{
			"ciphertext":        base64.StdEncoding.EncodeToString(bad),
			"iv":                base64.StdEncoding.EncodeToString(iv),
			"client_request_id": "req-bad",
		})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})
}

func TestPostMessageRequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.openSession(t, "anon-4")

	rec := env.do(t, http.MethodPost, "/api/v1/sessions/"+id.String()+"/messages", "", map[string]interface{}{
		"content":           "hello",
		"client_request_id": "req-1",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUserTokenScopedToOwnSession(t *testing.T) {
	env := newTestEnv(t)
	_, tokenA := env.openSession(t, "anon-a")
	idB, _ := env.openSession(t, "anon-b")

	rec := env.do(t, http.MethodPost, "/api/v1/sessions/"+idB.String()+"/messages", tokenA, map[string]interface{}{
		"content":           "hello",
		"client_request_id": "req-1",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestResolveSession(t *testing.T) {
	env := newTestEnv(t)
	id, token := env.openSession(t, "anon-5")

	rec := env.do(t, http.MethodPost, "/api/v1/sessions/"+id.String()+"/resolve", token, map[string]interface{}{
		"outcome": "stabilized",
		"notes":   "connected with local resources",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	sess, err := env.sessions.Get(id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusResolved, sess.Status)

	v, ok := env.reg.Get(*sess.ResponderID)
	require.True(t, ok)
	assert.Equal(t, 0, v.CurrentLoad)

	t.Run("second resolve conflicts", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/sessions/"+id.String()+"/resolve", token, map[string]interface{}{
			"outcome": "stabilized",
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestRegisterContactConsent(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/contacts", "", map[string]interface{}{
		"user_id":     "anon-6",
		"name":        "Jamie",
		"phone":       "+15550100",
		"auto_notify": true,
		"has_consent": false,
		"verified":    true,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	t.Run("consented contact accepted", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/contacts", "", map[string]interface{}{
			"user_id":         "anon-6",
			"name":            "Jamie",
			"phone":           "+15550100",
			"priority":        1,
			"auto_notify":     true,
			"has_consent":     true,
			"verified":        true,
			"available_hours": "09:00-17:00",
		})
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.NotEmpty(t, decode(t, rec)["contact_id"])
	})
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	env.openSession(t, "anon-7")

	rec := env.do(t, http.MethodGet, "/api/v1/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Contains(t, body, "sessions_by_status")
	assert.Contains(t, body, "available_volunteers")
}
