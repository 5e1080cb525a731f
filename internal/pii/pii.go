// Package pii implements markdown-aware PII redaction.
//
// Code blocks are lifted out before analysis and reinjected verbatim
// afterwards: PII inside code examples is preserved intentionally, since
// stripping it would corrupt the example. The narrative goes through two
// analyzer passes plus a verbatim sweep, then an over-redaction check
// decides whether the contribution is still useful.
package pii

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Match is one detected entity span in the analyzed text.
type Match struct {
	Start  int
	End    int
	Entity string
	Score  float64
}

// Analyzer detects PII spans. Implementations must support re-entry: the
// second pass runs on already-anonymized text.
type Analyzer interface {
	Analyze(ctx context.Context, text string) ([]Match, error)
}

// RedactedToken is the fallback placeholder for entities without a typed token
// and for verbatim sweeps.
const RedactedToken = "[REDACTED]"

// placeholderFor maps analyzer entities to typed placeholder tokens.
var placeholderFor = map[string]string{
	"EMAIL_ADDRESS": "[EMAIL]",
	"PHONE_NUMBER":  "[PHONE]",
	"PERSON":        "[NAME]",
	"LOCATION":      "[LOCATION]",
	"CREDIT_CARD":   "[CREDIT_CARD]",
	"IP_ADDRESS":    "[IP_ADDRESS]",
	"USERNAME":      "[USERNAME]",
	"API_KEY":       "[API_KEY]",
}

// placeholderRE matches every placeholder the redactor can produce; used for
// the over-redaction ratio.
var placeholderRE = regexp.MustCompile(
	`\[(?:EMAIL|PHONE|NAME|LOCATION|API_KEY|CREDIT_CARD|IP_ADDRESS|USERNAME|REDACTED)\]`,
)

var (
	// Fenced blocks first (non-greedy across lines), then inline code
	// (single backtick, no embedded newline).
	fencedRE = regexp.MustCompile("(?s)```.*?```|~~~.*?~~~")
	inlineRE = regexp.MustCompile("`[^`\n]+`")
)

// Result is the outcome of one Strip call.
type Result struct {
	Cleaned string
	// Rejected is true when placeholders exceed the configured share of
	// post-strip tokens. Exactly at the limit is accepted.
	Rejected bool
	Ratio    float64
}

// Redactor drives the two-pass pipeline. Safe for concurrent use when the
// analyzer is.
type Redactor struct {
	analyzer       Analyzer
	minVerbatimLen int
	maxRatio       float64
}

// NewRedactor creates a redactor. minVerbatimLen guards the verbatim sweep
// against false positives on short common words; maxRatio is the rejection
// bound on the placeholder share.
func NewRedactor(analyzer Analyzer, minVerbatimLen int, maxRatio float64) *Redactor {
	return &Redactor{analyzer: analyzer, minVerbatimLen: minVerbatimLen, maxRatio: maxRatio}
}

// Strip redacts PII from text and reports whether the result is too redacted
// to keep. The ratio uses post-strip tokens: multi-word names collapse to a
// single placeholder, so counting original tokens would inflate it.
func (r *Redactor) Strip(ctx context.Context, text string) (Result, error) {
	narrative, blocks := extractCode(text)

	// Pass 1: analyze and anonymize the narrative.
	matches, err := r.analyzer.Analyze(ctx, narrative)
	if err != nil {
		return Result{}, fmt.Errorf("pii: analyze: %w", err)
	}
	kept := resolveOverlaps(narrative, matches)
	values := matchValues(narrative, kept)
	anonymized := anonymize(narrative, kept)

	// Pass 2a: residual matches on the anonymized narrative.
	matches, err = r.analyzer.Analyze(ctx, anonymized)
	if err != nil {
		return Result{}, fmt.Errorf("pii: re-analyze: %w", err)
	}
	kept = resolveOverlaps(anonymized, matches)
	values = append(values, matchValues(anonymized, kept)...)
	anonymized = anonymize(anonymized, kept)

	// Pass 2b: literal occurrences of any detected value elsewhere in the
	// output. Short values are skipped to avoid clobbering common words.
	for _, v := range values {
		if len(v) < r.minVerbatimLen {
			continue
		}
		anonymized = strings.ReplaceAll(anonymized, v, RedactedToken)
	}

	cleaned := reinjectCode(anonymized, blocks)

	placeholders := len(placeholderRE.FindAllString(cleaned, -1))
	tokens := len(strings.Fields(cleaned))
	if tokens == 0 {
		tokens = 1
	}
	ratio := float64(placeholders) / float64(tokens)

	return Result{
		Cleaned:  cleaned,
		Rejected: ratio > r.maxRatio,
		Ratio:    ratio,
	}, nil
}

// codeBlock is one lifted code span keyed by its placeholder.
type codeBlock struct {
	placeholder string
	content     string
}

// extractCode replaces fenced and inline code with unique placeholder tokens.
func extractCode(text string) (string, []codeBlock) {
	var blocks []codeBlock
	n := 0
	replace := func(s string) string {
		placeholder := fmt.Sprintf("__CODE_BLOCK_%d__", n)
		blocks = append(blocks, codeBlock{placeholder: placeholder, content: s})
		n++
		return placeholder
	}
	text = fencedRE.ReplaceAllStringFunc(text, replace)
	text = inlineRE.ReplaceAllStringFunc(text, replace)
	return text, blocks
}

// reinjectCode restores lifted code spans verbatim.
func reinjectCode(text string, blocks []codeBlock) string {
	for _, b := range blocks {
		text = strings.Replace(text, b.placeholder, b.content, 1)
	}
	return text
}

// matchValues collects the original text of each match for the verbatim sweep.
func matchValues(text string, matches []Match) []string {
	var values []string
	for _, m := range matches {
		if m.Start < 0 || m.End > len(text) || m.Start >= m.End {
			continue
		}
		values = append(values, text[m.Start:m.End])
	}
	return values
}

// resolveOverlaps drops invalid spans and picks a winner among overlapping
// matches: longer span first, then higher score. A broad credential match
// (say a connection string) must not be split by a narrower match inside it.
func resolveOverlaps(text string, matches []Match) []Match {
	if len(matches) == 0 {
		return nil
	}

	sorted := make([]Match, len(matches))
	copy(sorted, matches)
	sort.Slice(sorted, func(i, j int) bool {
		li, lj := sorted[i].End-sorted[i].Start, sorted[j].End-sorted[j].Start
		if li != lj {
			return li > lj
		}
		return sorted[i].Score > sorted[j].Score
	})

	var kept []Match
	for _, m := range sorted {
		if m.Start < 0 || m.End > len(text) || m.Start >= m.End {
			continue
		}
		overlaps := false
		for _, k := range kept {
			if m.Start < k.End && k.Start < m.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, m)
		}
	}
	return kept
}

// anonymize replaces non-overlapping match spans with typed placeholders.
func anonymize(text string, kept []Match) string {
	if len(kept) == 0 {
		return text
	}
	// Replace back to front so earlier offsets stay valid.
	sorted := make([]Match, len(kept))
	copy(sorted, kept)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start > sorted[j].Start })
	for _, m := range sorted {
		token, ok := placeholderFor[m.Entity]
		if !ok {
			token = RedactedToken
		}
		text = text[:m.Start] + token + text[m.End:]
	}
	return text
}
