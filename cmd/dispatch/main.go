package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/terminal-bench/crisisdispatch/internal/adapters"
	"github.com/terminal-bench/crisisdispatch/internal/audit"
	"github.com/terminal-bench/crisisdispatch/internal/config"
	"github.com/terminal-bench/crisisdispatch/internal/contacts"
	"github.com/terminal-bench/crisisdispatch/internal/escalation"
	"github.com/terminal-bench/crisisdispatch/internal/gateway"
	"github.com/terminal-bench/crisisdispatch/internal/matcher"
	"github.com/terminal-bench/crisisdispatch/internal/postgres"
	"github.com/terminal-bench/crisisdispatch/internal/registry"
	"github.com/terminal-bench/crisisdispatch/internal/risk"
	"github.com/terminal-bench/crisisdispatch/internal/session"
	"github.com/terminal-bench/crisisdispatch/pkg/crypto"
	"github.com/terminal-bench/crisisdispatch/pkg/messaging"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to NATS
	msgClient, err := messaging.NewClient(messaging.Config{
		URL:            cfg.NATSUrl,
		Name:           "crisis-dispatch",
		ReconnectWait:  time.Second,
		MaxReconnects:  60,
		ConnectTimeout: 10 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer msgClient.Close()

	// Connect to PostgreSQL
	db, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := postgres.Migrate(ctx, db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	store := postgres.NewStore(db)

	// Risk assessor
	lexicon := risk.DefaultLexicon()
	if cfg.RiskLexiconPath != "" {
		lexicon, err = risk.LoadLexicon(cfg.RiskLexiconPath)
		if err != nil {
			log.Fatalf("Failed to load lexicon: %v", err)
		}
	}
	assessor := risk.NewAssessorWithThresholds(lexicon, risk.Thresholds{
		Emergency: cfg.RiskEmergencyThreshold,
		High:      cfg.RiskHighThreshold,
		Moderate:  cfg.RiskModerateThreshold,
	})

	// Session core
	sessions := session.NewStore(store, msgClient, assessor, session.Config{
		ActiveTimeout:   cfg.SessionActiveTimeout,
		AssignedTimeout: cfg.SessionAssignedTimeout,
	})
	sessions.Start(ctx)
	defer sessions.Stop()

	// Volunteer registry backed by redis
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
	reg := registry.New(registry.NewRedisStore(redisClient), msgClient,
		cfg.MatcherCacheTTL, cfg.MatcherReservationTimeout)
	reg.SetSnapshotSink(store)
	if err := reg.Refresh(ctx); err != nil {
		log.Printf("Initial registry refresh failed: %v", err)
	}

	// Matcher
	match := matcher.New(reg, msgClient, matcher.Config{
		EmergencyTarget: cfg.MatcherEmergencyTarget,
		StandardTarget:  cfg.MatcherStandardTarget,
		MinScore:        cfg.MatcherMinScore,
		MaxCandidates:   cfg.MatcherMaxCandidates,
		QueueLimit:      cfg.MatcherQueueLimit,
	})
	match.OnMatch(func(criteria matcher.Criteria, m matcher.Match) {
		assignCtx, assignCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer assignCancel()
		if err := sessions.Attach(assignCtx, criteria.SessionID, m.Volunteer.ID); err != nil {
			reg.Release(assignCtx, m.Volunteer.ID, criteria.SessionID)
			return
		}
		reg.Confirm(m.Volunteer.ID, criteria.SessionID)
	})

	// Emergency contacts
	contactsKey, err := loadContactsKey(cfg.ContactsKey)
	if err != nil {
		log.Fatalf("Failed to load contacts key: %v", err)
	}
	book, err := contacts.NewBook(contactsKey, store)
	if err != nil {
		log.Fatalf("Failed to create contact book: %v", err)
	}

	// External adapters behind retry and circuit breaking
	adapterSet, _, _, _ := adapters.NewStubSet()
	invoker := adapters.NewInvoker(msgClient, cfg.AdapterMaxAttempts, cfg.AdapterBaseBackoff)

	// Escalation engine
	engine := escalation.NewEngine(sessions, reg, book, adapterSet, invoker, msgClient, store, escalation.Config{
		DeadlineModerate:  cfg.EscalationDeadlineModerate,
		DeadlineHigh:      cfg.EscalationDeadlineHigh,
		DeadlineCritical:  cfg.EscalationDeadlineCritical,
		DeadlineEmergency: cfg.EscalationDeadlineEmergency,
		StepTimeout:       cfg.EscalationStepTimeout,
		DedupWindow:       cfg.EscalationDedupWindow,
	})

	// Audit sink; degraded persistence stops session intake
	sink := audit.NewSink(store, cfg.AuditBufferSize)
	sink.OnDegraded(func(degraded bool) {
		sessions.SetAccepting(!degraded)
		if degraded {
			log.Println("Audit sink degraded, refusing new sessions")
		} else {
			log.Println("Audit sink recovered, accepting sessions")
		}
	})
	sink.Start(ctx)

	sessions.OnPersistError(func(op string, sessionID uuid.UUID, err error) {
		log.Printf("Session persistence failed (%s) for %s: %v", op, sessionID, err)
		sink.Append("persist.failed", "session", sessionID.String(), "session-core",
			map[string]string{"op": op, "error": err.Error()}, audit.OutcomeAlert)
	})

	var metrics audit.Metrics = audit.NopMetrics{}
	if cfg.InfluxToken != "" {
		metrics = audit.NewInfluxMetrics(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket)
	}
	defer metrics.Close()

	// Gateway
	gw := gateway.New(gateway.Config{
		RateLimitWindow: cfg.RateLimitWindow,
		RateLimitMax:    cfg.RateLimitMax,
		Debug:           cfg.Debug,
	}, gateway.Deps{
		Sessions: sessions,
		Matcher:  match,
		Engine:   engine,
		Registry: reg,
		Contacts: book,
		Sink:     sink,
		Metrics:  metrics,
		Tokens:   gateway.NewTokenManager(cfg.JWTSecret, 24*time.Hour),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      gw.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("Crisis dispatch listening on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	sink.Stop(shutdownCtx)
	log.Println("Crisis dispatch stopped")
}

// loadContactsKey decodes the configured service key, or generates an
// ephemeral one when none is configured.
func loadContactsKey(encoded string) ([]byte, error) {
	if encoded == "" {
		log.Println("CONTACTS_KEY not set, generating ephemeral key")
		return crypto.GenerateKey()
	}
	return crypto.DecodeKey(encoded)
}
