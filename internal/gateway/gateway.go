package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/terminal-bench/crisisdispatch/internal/audit"
	"github.com/terminal-bench/crisisdispatch/internal/contacts"
	"github.com/terminal-bench/crisisdispatch/internal/escalation"
	"github.com/terminal-bench/crisisdispatch/internal/matcher"
	"github.com/terminal-bench/crisisdispatch/internal/registry"
	"github.com/terminal-bench/crisisdispatch/internal/session"
)

// Gateway is the public HTTP surface: session lifecycle, messaging,
// escalation, volunteer endpoints and the per-session websocket stream.
type Gateway struct {
	router   *gin.Engine
	sessions *session.Store
	match    *matcher.Matcher
	engine   *escalation.Engine
	reg      *registry.Registry
	book     *contacts.Book
	sink     *audit.Sink
	metrics  audit.Metrics
	tokens   *TokenManager

	rateLimiter *RateLimiter
	upgrader    websocket.Upgrader
}

// Config holds gateway configuration.
type Config struct {
	RateLimitWindow time.Duration
	RateLimitMax    int
	Debug           bool
}

// Deps bundles the components the gateway fronts.
type Deps struct {
	Sessions *session.Store
	Matcher  *matcher.Matcher
	Engine   *escalation.Engine
	Registry *registry.Registry
	Contacts *contacts.Book
	Sink     *audit.Sink
	Metrics  audit.Metrics
	Tokens   *TokenManager
}

// New creates the gateway and wires its routes.
func New(cfg Config, deps Deps) *Gateway {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	g := &Gateway{
		router:   gin.New(),
		sessions: deps.Sessions,
		match:    deps.Matcher,
		engine:   deps.Engine,
		reg:      deps.Registry,
		book:     deps.Contacts,
		sink:     deps.Sink,
		metrics:  deps.Metrics,
		tokens:   deps.Tokens,
		rateLimiter: &RateLimiter{
			requests: make(map[string][]time.Time),
			limit:    cfg.RateLimitMax,
			window:   cfg.RateLimitWindow,
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	g.router.Use(gin.Recovery())
	g.setupRoutes()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.Use(g.rateLimitMiddleware())
	g.router.Use(g.tracingMiddleware())

	g.router.GET("/health", g.healthCheck)

	v1 := g.router.Group("/api/v1")
	{
		v1.POST("/sessions", g.openSession)
		v1.POST("/sessions/:id/messages", g.authMiddleware(), g.postMessage)
		v1.GET("/sessions/:id/messages", g.authMiddleware(), g.listMessages)
		v1.POST("/sessions/:id/typing", g.authMiddleware(), g.notifyTyping)
		v1.POST("/sessions/:id/escalate", g.authMiddleware(), g.requestEscalation)
		v1.POST("/sessions/:id/attach", g.authMiddleware(), g.attachVolunteer)
		v1.POST("/sessions/:id/resolve", g.authMiddleware(), g.resolveSession)
		v1.GET("/sessions/:id/stream", g.authMiddleware(), g.sessionStream)

		v1.POST("/volunteers", g.upsertVolunteer)
		v1.PUT("/volunteers/:id/status", g.authMiddleware(), g.setVolunteerStatus)

		v1.POST("/contacts", g.registerContact)

		v1.GET("/stats", g.getStats)
	}
}

// Handler exposes the router for an http.Server.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Middleware

func (g *Gateway) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		claims, err := g.tokens.Validate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("claims", claims)
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return header
}

func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.rateLimiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (g *Gateway) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		c.Set("correlation_id", correlationID)
		c.Header("X-Correlation-ID", correlationID)
		c.Next()
	}
}

// RateLimiter is a per-client sliding window limiter.
type RateLimiter struct {
	requests map[string][]time.Time

	mu     sync.Mutex
	limit  int
	window time.Duration
}

// Allow reports whether the client is under its window limit.
func (rl *RateLimiter) Allow(key string) bool {
	if rl.limit <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	kept := rl.requests[key][:0]
	for _, t := range rl.requests[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= rl.limit {
		rl.requests[key] = kept
		return false
	}

	rl.requests[key] = append(kept, now)
	return true
}
