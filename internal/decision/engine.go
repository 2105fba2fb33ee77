package decision

import (
	"math"
	"strings"

	"tradecycle/internal/config"
)

// fallbackWeight applies to signal sources missing from the configured
// weight table, so an unexpected source nudges rather than dominates.
const fallbackWeight = 0.1

// Engine fuses heterogeneous analysis signals into one trade intent.
// Decide is a pure function of its inputs; the engine only carries
// configuration.
type Engine struct {
	cfg config.DecisionConfig
}

func NewEngine(cfg config.DecisionConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Decide computes the weighted composite strength of the signals,
// selects an action against the risk-adjusted threshold (inclusive),
// then applies the confidence override: low agreement forces hold even
// on a strong composite.
func (e *Engine) Decide(cycleID, ticker string, signals []Signal, risk RiskLevel) (Decision, error) {
	if len(signals) == 0 {
		return Decision{}, ErrInsufficientSignals
	}

	threshold := e.cfg.RiskThreshold(string(risk))

	var weightedSum, weightSum float64
	for _, s := range signals {
		w := e.weight(s.Source)
		weightedSum += clamp(s.Strength, -1, 1) * clamp(s.Confidence, 0, 1) * w
		weightSum += w
	}
	// Normalize by the weight actually present so missing sources do not
	// drag the composite toward zero.
	composite := 0.0
	if weightSum > 0 {
		composite = clamp(weightedSum/weightSum, -1, 1)
	}

	action := ActionHold
	switch {
	case composite >= threshold:
		action = ActionBuy
	case composite <= -threshold:
		action = ActionSell
	}

	confidence := e.overallConfidence(signals)
	reason := ""
	if action != ActionHold && confidence < threshold {
		// A single high-magnitude, low-confidence signal must not carry
		// the decision on its own.
		action = ActionHold
		reason = "low_confidence_override"
	}

	return Decision{
		CycleID:           cycleID,
		Ticker:            ticker,
		Action:            action,
		CompositeStrength: composite,
		Confidence:        confidence,
		AppliedThreshold:  threshold,
		RiskLevel:         risk,
		Reason:            reason,
		Contributing:      append([]Signal(nil), signals...),
	}, nil
}

func (e *Engine) weight(source string) float64 {
	if w, ok := e.cfg.Weights[strings.ToLower(strings.TrimSpace(source))]; ok {
		return w
	}
	return fallbackWeight
}

// overallConfidence is the weighted mean signal confidence scaled by
// agreement: the weighted standard deviation of strengths discounts a
// split field of views.
func (e *Engine) overallConfidence(signals []Signal) float64 {
	var confSum, strengthSum, weightSum float64
	for _, s := range signals {
		w := e.weight(s.Source)
		confSum += clamp(s.Confidence, 0, 1) * w
		strengthSum += clamp(s.Strength, -1, 1) * w
		weightSum += w
	}
	if weightSum <= 0 {
		return 0
	}
	meanConf := confSum / weightSum
	meanStrength := strengthSum / weightSum

	var variance float64
	for _, s := range signals {
		d := clamp(s.Strength, -1, 1) - meanStrength
		variance += e.weight(s.Source) * d * d
	}
	variance /= weightSum
	agreement := 1 - math.Sqrt(variance)
	if agreement < 0 {
		agreement = 0
	}
	return clamp(meanConf*agreement, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
