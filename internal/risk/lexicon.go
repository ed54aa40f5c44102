package risk

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Category classifies a lexicon pattern.
type Category string

const (
	CategoryEmergency    Category = "EMERGENCY"
	CategoryHighRisk     Category = "HIGH_RISK"
	CategoryModerateRisk Category = "MODERATE_RISK"
	CategoryProtective   Category = "PROTECTIVE"
	CategoryCoping       Category = "COPING"
)

// Entry is one weighted lexicon pattern. Patterns are matched as substrings
// of the normalized (case-folded, punctuation-stripped) message text.
type Entry struct {
	Pattern  string   `json:"pattern"`
	Category Category `json:"category"`
	Weight   float64  `json:"weight"`
}

// Lexicon is the weighted keyword set the assessor scans against.
type Lexicon struct {
	entries []Entry
}

// NewLexicon builds a lexicon from entries, normalizing patterns.
func NewLexicon(entries []Entry) *Lexicon {
	normalized := make([]Entry, 0, len(entries))
	for _, e := range entries {
		e.Pattern = normalizeText(e.Pattern)
		if e.Pattern == "" {
			continue
		}
		normalized = append(normalized, e)
	}
	return &Lexicon{entries: normalized}
}

// LoadLexicon reads a lexicon from a JSON file of entries.
func LoadLexicon(path string) (*Lexicon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lexicon: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse lexicon: %w", err)
	}

	return NewLexicon(entries), nil
}

// Scan returns every entry whose pattern occurs in the normalized text.
func (l *Lexicon) Scan(normalized string) []Entry {
	var hits []Entry
	for _, e := range l.entries {
		if strings.Contains(normalized, e.Pattern) {
			hits = append(hits, e)
		}
	}
	return hits
}

// DefaultLexicon returns the built-in lexicon. The clinical content of the
// word list is configuration, not code; this set exists so the assessor is
// usable out of the box and replaceable via RISK_LEXICON_PATH.
func DefaultLexicon() *Lexicon {
	return NewLexicon([]Entry{
		{Pattern: "kill myself", Category: CategoryEmergency, Weight: 5},
		{Pattern: "end my life", Category: CategoryEmergency, Weight: 5},
		{Pattern: "suicide", Category: CategoryEmergency, Weight: 4.5},
		{Pattern: "have a gun", Category: CategoryEmergency, Weight: 5},
		{Pattern: "have pills", Category: CategoryEmergency, Weight: 4.5},
		{Pattern: "jump off", Category: CategoryEmergency, Weight: 4.5},
		{Pattern: "overdose", Category: CategoryEmergency, Weight: 4.5},
		{Pattern: "goodbye forever", Category: CategoryEmergency, Weight: 4},

		{Pattern: "want to die", Category: CategoryHighRisk, Weight: 3.5},
		{Pattern: "better off dead", Category: CategoryHighRisk, Weight: 3.5},
		{Pattern: "no reason to live", Category: CategoryHighRisk, Weight: 3.5},
		{Pattern: "hurt myself", Category: CategoryHighRisk, Weight: 3},
		{Pattern: "self harm", Category: CategoryHighRisk, Weight: 3},
		{Pattern: "cutting", Category: CategoryHighRisk, Weight: 2.5},
		{Pattern: "cant go on", Category: CategoryHighRisk, Weight: 3},

		{Pattern: "hopeless", Category: CategoryModerateRisk, Weight: 2},
		{Pattern: "worthless", Category: CategoryModerateRisk, Weight: 2},
		{Pattern: "alone", Category: CategoryModerateRisk, Weight: 1},
		{Pattern: "trapped", Category: CategoryModerateRisk, Weight: 1.5},
		{Pattern: "burden", Category: CategoryModerateRisk, Weight: 1.5},
		{Pattern: "empty", Category: CategoryModerateRisk, Weight: 1},
		{Pattern: "panic", Category: CategoryModerateRisk, Weight: 1},

		{Pattern: "my family needs me", Category: CategoryProtective, Weight: 2},
		{Pattern: "my kids", Category: CategoryProtective, Weight: 1.5},
		{Pattern: "therapist", Category: CategoryProtective, Weight: 1},
		{Pattern: "getting help", Category: CategoryProtective, Weight: 1.5},
		{Pattern: "reasons to live", Category: CategoryProtective, Weight: 2},

		{Pattern: "breathing exercises", Category: CategoryCoping, Weight: 1},
		{Pattern: "coping", Category: CategoryCoping, Weight: 1},
		{Pattern: "talked to someone", Category: CategoryCoping, Weight: 1},
		{Pattern: "went for a walk", Category: CategoryCoping, Weight: 1},
		{Pattern: "journaling", Category: CategoryCoping, Weight: 1},
	})
}
