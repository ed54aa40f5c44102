package risk

import (
	"math"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Level buckets a severity score for policy decisions.
type Level string

const (
	LevelLow       Level = "LOW"
	LevelModerate  Level = "MODERATE"
	LevelHigh      Level = "HIGH"
	LevelCritical  Level = "CRITICAL"
	LevelEmergency Level = "EMERGENCY"
)

// Action is a recommended follow-up derived from an assessment.
type Action string

const (
	ActionImmediateEscalation          Action = "IMMEDIATE_ESCALATION"
	ActionEmergencyServicesAlert       Action = "EMERGENCY_SERVICES_ALERT"
	ActionSupervisorNotification       Action = "SUPERVISOR_NOTIFICATION"
	ActionPriorityVolunteerAssignment  Action = "PRIORITY_VOLUNTEER_ASSIGNMENT"
	ActionEnhancedMonitoring           Action = "ENHANCED_MONITORING"
	ActionStandardVolunteerAssignment  Action = "STANDARD_VOLUNTEER_ASSIGNMENT"
	ActionPeerSupportMatching          Action = "PEER_SUPPORT_MATCHING"
	ActionResourceProvision            Action = "RESOURCE_PROVISION"
	ActionWellnessResources            Action = "WELLNESS_RESOURCES"
	ActionReinforceCopingStrategies    Action = "REINFORCE_COPING_STRATEGIES"
	ActionBuildOnPositiveIndicators    Action = "BUILD_ON_POSITIVE_INDICATORS"
)

// Assessment is the result of classifying one message.
type Assessment struct {
	Severity           int
	RiskLevel          Level
	KeywordsDetected   []string
	EmergencyKeywords  []string
	SentimentScore     float64
	Confidence         float64
	ImmediateRisk      bool
	RecommendedActions []Action
	ExecutionTimeMs    int64
}

// Context carries the rolling session state the assessor needs to enforce
// severity monotonicity.
type Context struct {
	SessionSeverity int
	// AllowDowngrade is the explicit downgrade token a responder supplies
	// when reassessing downward.
	AllowDowngrade bool
}

// Assessor is a deterministic, reentrant text-risk classifier. It holds no
// mutable state beyond its lexicon; Assess never suspends and never fails.
type Assessor struct {
	lexicon    *Lexicon
	thresholds Thresholds
}

// Thresholds maps severities to risk level buckets. A severity at or above
// Emergency is EMERGENCY, one below Emergency is CRITICAL, and High and
// Moderate bound their levels the same way. Zero fields take the defaults.
type Thresholds struct {
	Emergency int
	High      int
	Moderate  int
}

// DefaultThresholds returns the standard severity buckets.
func DefaultThresholds() Thresholds {
	return Thresholds{Emergency: 9, High: 6, Moderate: 4}
}

// NewAssessor creates an assessor over the given lexicon with the default
// thresholds, falling back to the built-in lexicon when nil.
func NewAssessor(lexicon *Lexicon) *Assessor {
	return NewAssessorWithThresholds(lexicon, DefaultThresholds())
}

// NewAssessorWithThresholds creates an assessor with configured severity
// buckets.
func NewAssessorWithThresholds(lexicon *Lexicon, th Thresholds) *Assessor {
	if lexicon == nil {
		lexicon = DefaultLexicon()
	}
	defaults := DefaultThresholds()
	if th.Emergency <= 0 {
		th.Emergency = defaults.Emergency
	}
	if th.High <= 0 {
		th.High = defaults.High
	}
	if th.Moderate <= 0 {
		th.Moderate = defaults.Moderate
	}
	return &Assessor{lexicon: lexicon, thresholds: th}
}

var (
	immediateTimeWords = []string{"now", "tonight", "today", "right now", "this minute"}
	futureTimeWords    = []string{"tomorrow", "next week", "someday", "plan to get", "hope"}
	positiveWords      = []string{"better", "hope", "grateful", "calm", "safe", "improving", "good", "help"}
	negativeWords      = []string{"pain", "hurt", "hate", "afraid", "scared", "awful", "terrible", "cry", "never", "cant"}
	urgencyWords       = []string{"cant wait", "right away", "immediately", "urgent", "emergency"}
)

// Assess classifies text. It never returns an error: unparseable input
// yields a conservative severity with zero confidence.
func (a *Assessor) Assess(text string, sessCtx Context) Assessment {
	start := time.Now()

	if !utf8.ValidString(text) || strings.TrimSpace(text) == "" {
		sev := sessCtx.SessionSeverity
		if sev < 5 {
			sev = 5
		}
		return Assessment{
			Severity:           sev,
			RiskLevel:          a.levelFor(sev),
			Confidence:         0,
			RecommendedActions: []Action{ActionEnhancedMonitoring},
			ExecutionTimeMs:    time.Since(start).Milliseconds(),
		}
	}

	normalized := normalizeText(text)

	// Keyword scan.
	var (
		totalWeight      float64
		protectiveWeight float64
		keywords         []string
		emergencyHits    []string
		hasCoping        bool
	)
	for _, hit := range a.lexicon.Scan(normalized) {
		keywords = append(keywords, hit.Pattern)
		switch hit.Category {
		case CategoryEmergency:
			totalWeight += hit.Weight
			emergencyHits = append(emergencyHits, hit.Pattern)
		case CategoryHighRisk, CategoryModerateRisk:
			totalWeight += hit.Weight
		case CategoryProtective:
			protectiveWeight += hit.Weight
		case CategoryCoping:
			protectiveWeight += hit.Weight
			hasCoping = true
		}
	}

	sentiment, indicators := scoreSentiment(normalized)

	// Contextual factors. Counts use the original text where casing matters.
	immediateBonus := 0.0
	if containsAny(normalized, immediateTimeWords) {
		immediateBonus = 2
	}
	futureBonus := 0.0
	if containsAny(normalized, futureTimeWords) {
		futureBonus = 1
	}
	if containsAny(normalized, urgencyWords) {
		immediateBonus++
	}
	caps := countAllCapsWords(text)
	exclaims := strings.Count(text, "!")
	if caps >= 3 || exclaims >= 3 {
		indicators++
	}

	base := clampSeverity(int(math.Round(2 + totalWeight*1.2 - protectiveWeight*0.8 + immediateBonus - futureBonus)))

	immediate := false
	if len(emergencyHits) > 0 || (base >= a.thresholds.Emergency && immediateBonus > 0) {
		immediate = true
		if base < a.thresholds.Emergency {
			base = a.thresholds.Emergency
		}
	}

	// Session monotonicity unless explicitly downgraded.
	final := base
	if !sessCtx.AllowDowngrade && sessCtx.SessionSeverity > final {
		final = sessCtx.SessionSeverity
	}

	level := a.levelFor(final)
	if immediate {
		level = LevelEmergency
	}

	return Assessment{
		Severity:           final,
		RiskLevel:          level,
		KeywordsDetected:   keywords,
		EmergencyKeywords:  emergencyHits,
		SentimentScore:     sentiment,
		Confidence:         math.Min(1, float64(indicators)/8),
		ImmediateRisk:      immediate,
		RecommendedActions: recommendActions(level, len(emergencyHits) > 0, hasCoping),
		ExecutionTimeMs:    time.Since(start).Milliseconds(),
	}
}

// recommendActions is the fixed decision table keyed by
// (risk level, emergency keyword present, coping indicator present).
func recommendActions(level Level, hasEmergencyKeyword, hasCoping bool) []Action {
	var actions []Action

	switch level {
	case LevelEmergency:
		actions = append(actions, ActionImmediateEscalation)
		if hasEmergencyKeyword {
			actions = append(actions, ActionEmergencyServicesAlert)
		}
		actions = append(actions, ActionSupervisorNotification, ActionPriorityVolunteerAssignment)
	case LevelCritical:
		actions = append(actions, ActionSupervisorNotification, ActionPriorityVolunteerAssignment, ActionEnhancedMonitoring)
	case LevelHigh:
		actions = append(actions, ActionPriorityVolunteerAssignment, ActionEnhancedMonitoring)
	case LevelModerate:
		actions = append(actions, ActionStandardVolunteerAssignment, ActionResourceProvision)
	default:
		actions = append(actions, ActionPeerSupportMatching, ActionWellnessResources)
	}

	if hasCoping {
		actions = append(actions, ActionReinforceCopingStrategies, ActionBuildOnPositiveIndicators)
	}

	return actions
}

func (a *Assessor) levelFor(severity int) Level {
	switch {
	case severity >= a.thresholds.Emergency:
		return LevelEmergency
	case severity >= a.thresholds.Emergency-1:
		return LevelCritical
	case severity >= a.thresholds.High:
		return LevelHigh
	case severity >= a.thresholds.Moderate:
		return LevelModerate
	default:
		return LevelLow
	}
}

func clampSeverity(s int) int {
	if s < 1 {
		return 1
	}
	if s > 10 {
		return 10
	}
	return s
}

func scoreSentiment(normalized string) (score float64, indicators int) {
	var pos, neg int
	for _, w := range positiveWords {
		pos += strings.Count(normalized, w)
	}
	for _, w := range negativeWords {
		neg += strings.Count(normalized, w)
	}

	indicators = pos + neg
	if indicators == 0 {
		return 0, 0
	}
	return float64(pos-neg) / float64(indicators), indicators
}

// normalizeText case-folds, strips punctuation, and collapses whitespace.
func normalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r == '\'' || r == '\u2019':
			// Apostrophes vanish so "can't" matches "cant".
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r), unicode.IsPunct(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}

	return strings.TrimSpace(b.String())
}

func containsAny(normalized string, words []string) bool {
	for _, w := range words {
		if strings.Contains(normalized, w) {
			return true
		}
	}
	return false
}

func countAllCapsWords(text string) int {
	count := 0
	for _, word := range strings.Fields(text) {
		letters := 0
		upper := 0
		for _, r := range word {
			if unicode.IsLetter(r) {
				letters++
				if unicode.IsUpper(r) {
					upper++
				}
			}
		}
		if letters >= 2 && letters == upper {
			count++
		}
	}
	return count
}
