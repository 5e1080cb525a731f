// Package scan screens contributed text for prompt injection before it can
// enter the commons. The scanner wraps a pluggable Classifier so deployments
// can point at a hosted classification model; the built-in pattern classifier
// covers the common injection phrasings without any external service.
package scan

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
)

// maxInputChars caps classifier input; injection markers appear early and
// very long inputs only add cost.
const maxInputChars = 2000

// Classifier scores text for injection likelihood in [0, 1].
type Classifier interface {
	Score(ctx context.Context, text string) (float64, error)
}

// Verdict is the scan outcome. Score is kept so callers can log confidence
// without re-running the classifier.
type Verdict struct {
	Injection bool
	Score     float64
}

// Scanner applies a rejection threshold to classifier scores. A score equal
// to the threshold rejects.
type Scanner struct {
	classifier Classifier
	threshold  float64
	logger     *slog.Logger
}

// NewScanner builds a scanner around the given classifier.
func NewScanner(classifier Classifier, threshold float64, logger *slog.Logger) *Scanner {
	return &Scanner{classifier: classifier, threshold: threshold, logger: logger}
}

// Scan classifies text, truncated to maxInputChars.
func (s *Scanner) Scan(ctx context.Context, text string) (Verdict, error) {
	if len(text) > maxInputChars {
		text = text[:maxInputChars]
	}
	score, err := s.classifier.Score(ctx, text)
	if err != nil {
		return Verdict{}, fmt.Errorf("scan: classify: %w", err)
	}
	v := Verdict{Injection: score >= s.threshold, Score: score}
	if v.Injection {
		s.logger.Warn("injection detected", "score", score)
	}
	return v, nil
}

// injectionPattern pairs a phrasing with the confidence it contributes.
type injectionPattern struct {
	re     *regexp.Regexp
	weight float64
}

var injectionPatterns = []injectionPattern{
	{regexp.MustCompile(`(?i)ignore\s+(?:all\s+)?(?:previous|prior|above|earlier)\s+(?:instructions|prompts|directions|rules)`), 0.95},
	{regexp.MustCompile(`(?i)disregard\s+(?:all\s+)?(?:previous|prior|your)\s+(?:instructions|prompts|training|rules)`), 0.95},
	{regexp.MustCompile(`(?i)forget\s+(?:everything|all)\s+(?:you|above|before)`), 0.9},
	{regexp.MustCompile(`(?i)you\s+are\s+now\s+(?:a|an|in)\b`), 0.7},
	{regexp.MustCompile(`(?i)(?:reveal|print|repeat|show)\s+(?:your|the)\s+system\s+prompt`), 0.95},
	{regexp.MustCompile(`(?i)system\s*prompt\s*[:=]`), 0.8},
	{regexp.MustCompile(`(?i)\bjailbreak\b`), 0.7},
	{regexp.MustCompile(`(?i)\bdo\s+anything\s+now\b|\bDAN\s+mode\b`), 0.8},
	{regexp.MustCompile(`(?i)developer\s+mode\s+(?:enabled|activated|on)`), 0.8},
	{regexp.MustCompile(`(?i)pretend\s+(?:you\s+are|to\s+be)\s+(?:not\s+)?an?\s+(?:ai|assistant|llm)`), 0.7},
	{regexp.MustCompile(`(?i)\[\s*system\s*\]|<\s*system\s*>|<\|im_start\|>`), 0.85},
	{regexp.MustCompile(`(?i)when\s+(?:an?\s+)?(?:agent|assistant|model)\s+reads\s+this`), 0.75},
	{regexp.MustCompile(`(?i)(?:instead|rather),?\s+(?:output|respond\s+with|reply\s+with|say)\s+`), 0.6},
	{regexp.MustCompile(`(?i)exfiltrate|send\s+(?:your|the)\s+(?:credentials|secrets|api\s+keys?)\s+to`), 0.9},
}

// PatternClassifier is the default heuristic classifier. The score is the
// strongest matching pattern's weight, never an accumulation, so benign text
// brushing one weak phrase stays well under the threshold.
type PatternClassifier struct{}

// NewPatternClassifier returns the default classifier.
func NewPatternClassifier() *PatternClassifier {
	return &PatternClassifier{}
}

// Score implements Classifier.
func (c *PatternClassifier) Score(_ context.Context, text string) (float64, error) {
	var max float64
	for _, p := range injectionPatterns {
		if p.weight > max && p.re.MatchString(text) {
			max = p.weight
		}
	}
	return max, nil
}
