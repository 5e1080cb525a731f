package pii

import (
	"context"
	"regexp"
)

// pattern pairs a compiled regex with the entity it detects.
type pattern struct {
	entity string
	re     *regexp.Regexp
	score  float64
}

// patterns covers contact details plus the credential formats most likely to
// leak into engineering notes. Order matters only through overlap resolution:
// higher-score entities win contested spans.
var patterns = []pattern{
	{"EMAIL_ADDRESS", regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`), 1.0},
	{"PHONE_NUMBER", regexp.MustCompile(`(?:\+?1[-. ]?)?\(?[0-9]{3}\)?[-. ][0-9]{3}[-. ][0-9]{4}\b`), 0.7},
	{"CREDIT_CARD", regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`), 0.6},
	{"IP_ADDRESS", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), 0.8},

	// Provider-specific credential formats.
	{"API_KEY", regexp.MustCompile(`AKIA[0-9A-Z]{16}`), 1.0},                          // AWS access key
	{"API_KEY", regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`), 1.0},                       // GitHub PAT
	{"API_KEY", regexp.MustCompile(`github_pat_[A-Za-z0-9_]{82}`), 1.0},               // GitHub fine-grained PAT
	{"API_KEY", regexp.MustCompile(`AIza[0-9A-Za-z\-_]{35}`), 1.0},                    // Google API key
	{"API_KEY", regexp.MustCompile(`(?:sk|pk)_(?:test|live)_[A-Za-z0-9]{24,}`), 1.0},  // Stripe
	{"API_KEY", regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]+`), 1.0},                  // Slack
	{"API_KEY", regexp.MustCompile(`eyJ[A-Za-z0-9_\-]+\.eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`), 1.0}, // JWT
	{"API_KEY", regexp.MustCompile(`-----BEGIN (?:RSA |EC |OPENSSH |DSA )?PRIVATE KEY-----`), 1.0},

	// Generic secret assignment: password=..., api_key: "...", etc.
	{"API_KEY", regexp.MustCompile(`(?i)(?:password|passwd|secret|api[_\-]?key|access[_\-]?token|auth[_\-]?token)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`), 0.9},

	// Connection strings carry credentials in the authority.
	{"API_KEY", regexp.MustCompile(`(?:postgres(?:ql)?|mysql|mongodb|redis|amqp)://\S+`), 0.9},
}

// PatternAnalyzer is the built-in regex analyzer. Deployments wanting NER can
// wire their own Analyzer; this one catches the formats that matter most for
// agent-written content: credentials, contact details, and connection strings.
type PatternAnalyzer struct{}

// NewPatternAnalyzer returns the default analyzer.
func NewPatternAnalyzer() *PatternAnalyzer {
	return &PatternAnalyzer{}
}

// Analyze implements Analyzer.
func (a *PatternAnalyzer) Analyze(_ context.Context, text string) ([]Match, error) {
	var matches []Match
	for _, p := range patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			matches = append(matches, Match{
				Start:  loc[0],
				End:    loc[1],
				Entity: p.entity,
				Score:  p.score,
			})
		}
	}
	return matches, nil
}
