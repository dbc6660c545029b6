// Package risk computes the composite hallucination/integrity risk score
// for a proposed tool invocation.
//
// Per spec §4.2: each component risk is independently nullable; a null
// component is omitted from both the numerator and the denominator of the
// weighted composite, rather than imputed to zero. This package never
// uses a sentinel like -1 for "absent" — absence is a nil *float64.
package risk

import (
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Level classifies the composite score.
type Level string

const (
	LevelLow       Level = "low"
	LevelMedium    Level = "medium"
	LevelHigh      Level = "high"
	LevelUndefined Level = "undefined"
)

// Weights are the fixed per-component weights from spec §4.2. They are
// package-level defaults, overridable via config.RiskWeights.
type Weights struct {
	Grounding       float64
	SelfConsistency float64
	Verifier        float64
	Numeric         float64
	ToolMismatch    float64
	Drift           float64
}

// DefaultWeights returns the weights fixed by spec §4.2.
func DefaultWeights() Weights {
	return Weights{
		Grounding:       0.30,
		SelfConsistency: 0.25,
		Verifier:        0.25,
		Numeric:         0.10,
		ToolMismatch:    0.10,
		Drift:           0.10,
	}
}

// Thresholds are the composite-score level cut points from spec §4.2.
type Thresholds struct {
	Low    float64 // score < Low -> "low"
	Medium float64 // score < Medium -> "medium"; else "high"
}

// DefaultThresholds returns the thresholds fixed by spec §4.2.
func DefaultThresholds() Thresholds {
	return Thresholds{Low: 0.20, Medium: 0.35}
}

// RiskVector holds each independently nullable component risk, each in
// [0,1] when present.
type RiskVector struct {
	GroundingRisk          *float64
	SelfConsistencyRisk    *float64
	VerifierRisk           *float64
	NumericInstabilityRisk *float64
	ToolMismatchRisk       *float64
	DriftRisk              *float64
}

// Composite is the renormalized weighted-mean risk score and its level.
// Score is nil when no component was present ("undefined" per spec §4.2,
// invariant #2 in spec §8).
type Composite struct {
	Score *float64
	Level Level
}

// Signals are the loosely-typed, optional inputs to Score. Any field left
// nil/empty means the corresponding RiskVector component is omitted.
type Signals struct {
	Answer            string
	SecondaryAnswer   *string
	RetrievedContext  *string
	ToolResultSummary *string
	VerifierScore     *float64
	NormalizedPromptHash string
	BaselinePromptHash   string // empty means no baseline recorded yet -> drift not computed
}

// Scorer computes RiskVector/Composite pairs from Signals.
type Scorer struct {
	weights    Weights
	thresholds Thresholds
	log        *slog.Logger
}

// New creates a Scorer with the given weights/thresholds. Zero-value
// Weights/Thresholds are replaced with spec defaults.
func New(weights Weights, thresholds Thresholds, logger *slog.Logger) *Scorer {
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}
	if thresholds == (Thresholds{}) {
		thresholds = DefaultThresholds()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{weights: weights, thresholds: thresholds, log: logger}
}

// Score computes the RiskVector and renormalized Composite for the given
// signals, per spec §4.2.
func (s *Scorer) Score(sig Signals) (RiskVector, Composite) {
	rv := RiskVector{
		GroundingRisk:          groundingRisk(sig),
		SelfConsistencyRisk:    selfConsistencyRisk(sig),
		VerifierRisk:           verifierRisk(sig),
		NumericInstabilityRisk: numericInstabilityRisk(sig),
		ToolMismatchRisk:       toolMismatchRisk(sig),
		DriftRisk:              driftRisk(sig),
	}

	composite := s.composite(rv)
	s.log.Info("risk scored",
		"level", composite.Level,
		"score", scoreOrNil(composite.Score),
	)
	return rv, composite
}

func scoreOrNil(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

// composite renormalizes the weighted mean over present components only.
func (s *Scorer) composite(rv RiskVector) Composite {
	type weighted struct {
		risk   *float64
		weight float64
	}
	components := []weighted{
		{rv.GroundingRisk, s.weights.Grounding},
		{rv.SelfConsistencyRisk, s.weights.SelfConsistency},
		{rv.VerifierRisk, s.weights.Verifier},
		{rv.NumericInstabilityRisk, s.weights.Numeric},
		{rv.ToolMismatchRisk, s.weights.ToolMismatch},
		{rv.DriftRisk, s.weights.Drift},
	}

	var numerator, denominator float64
	for _, c := range components {
		if c.risk == nil {
			continue
		}
		numerator += *c.risk * c.weight
		denominator += c.weight
	}

	if denominator == 0 {
		return Composite{Score: nil, Level: LevelUndefined}
	}

	score := numerator / denominator
	return Composite{Score: &score, Level: s.level(score)}
}

func (s *Scorer) level(score float64) Level {
	switch {
	case score < s.thresholds.Low:
		return LevelLow
	case score < s.thresholds.Medium:
		return LevelMedium
	default:
		return LevelHigh
	}
}

func groundingRisk(sig Signals) *float64 {
	if sig.RetrievedContext == nil {
		return nil
	}
	overlap := jaccard(tokenize(sig.Answer), tokenize(*sig.RetrievedContext))
	risk := 1 - overlap
	return &risk
}

func selfConsistencyRisk(sig Signals) *float64 {
	if sig.SecondaryAnswer == nil {
		return nil
	}
	overlap := jaccard(tokenize(sig.Answer), tokenize(*sig.SecondaryAnswer))
	risk := 1 - overlap
	return &risk
}

func verifierRisk(sig Signals) *float64 {
	if sig.VerifierScore == nil {
		return nil
	}
	risk := 1 - *sig.VerifierScore
	return &risk
}

var signedDecimalPattern = regexp.MustCompile(`-?\d+(\.\d+)?`)

// numericInstabilityRisk is the coefficient of variation of numbers
// extracted from the answer(s), clipped to [0,1]. Per spec §4.2, division
// by a zero mean is protected and yields 0.0.
func numericInstabilityRisk(sig Signals) *float64 {
	texts := []string{sig.Answer}
	if sig.SecondaryAnswer != nil {
		texts = append(texts, *sig.SecondaryAnswer)
	}

	var numbers []float64
	for _, t := range texts {
		for _, m := range signedDecimalPattern.FindAllString(t, -1) {
			if v, err := strconv.ParseFloat(m, 64); err == nil {
				numbers = append(numbers, v)
			}
		}
	}
	if len(numbers) == 0 {
		return nil
	}

	risk := clip01(coefficientOfVariation(numbers))
	return &risk
}

func coefficientOfVariation(numbers []float64) float64 {
	if len(numbers) < 2 {
		return 0.0
	}
	mean := 0.0
	for _, n := range numbers {
		mean += n
	}
	mean /= float64(len(numbers))

	if mean == 0 {
		return 0.0
	}

	var sumSq float64
	for _, n := range numbers {
		d := n - mean
		sumSq += d * d
	}
	variance := sumSq / float64(len(numbers)-1)
	stddev := math.Sqrt(variance)

	return stddev / math.Abs(mean)
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// toolMismatchRisk is 1.0 iff the tool result summary indicates failure
// but the answer claims success.
func toolMismatchRisk(sig Signals) *float64 {
	if sig.ToolResultSummary == nil {
		return nil
	}
	summary := strings.ToLower(*sig.ToolResultSummary)
	answer := strings.ToLower(sig.Answer)

	failed := containsAny(summary, "fail", "error", "declined", "denied", "timeout")
	claimsSuccess := containsAny(answer, "success", "successfully", "completed", "done", "transferred", "confirmed")

	var risk float64
	if failed && claimsSuccess {
		risk = 1.0
	}
	return &risk
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// driftRisk is 1.0 if the normalized prompt hash differs from the stored
// baseline for the tool, else 0.0. No baseline recorded yet means drift
// is not computed (component omitted).
func driftRisk(sig Signals) *float64 {
	if sig.BaselinePromptHash == "" {
		return nil
	}
	var risk float64
	if sig.NormalizedPromptHash != sig.BaselinePromptHash {
		risk = 1.0
	}
	return &risk
}

var punctuationPattern = regexp.MustCompile(`[^\w\s]`)

func tokenize(s string) map[string]struct{} {
	s = strings.ToLower(s)
	s = punctuationPattern.ReplaceAllString(s, "")
	tokens := strings.Fields(s)
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

// jaccard computes the Jaccard similarity of two token sets. Per spec
// §4.2: empty sets on either side yield overlap 0 unless both are empty,
// which yields overlap 1.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	intersection := 0
	for t := range a {
		if _, ok := b[t]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}
