package decision

import (
	"errors"
	"strings"
)

// Signal is one analysis agent's directional market assessment.
// Strength is in [-1,1] (positive = bullish), Confidence in [0,1].
// Immutable once emitted.
type Signal struct {
	Source     string  `json:"source"`
	Ticker     string  `json:"ticker,omitempty"`
	Strength   float64 `json:"strength"`
	Confidence float64 `json:"confidence"`
}

type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

func ParseRiskLevel(s string) RiskLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return RiskLow
	case "high":
		return RiskHigh
	default:
		return RiskMedium
	}
}

// Decision is the single trade intent produced per cycle.
type Decision struct {
	CycleID           string    `json:"cycleId"`
	Ticker            string    `json:"ticker,omitempty"`
	Action            Action    `json:"action"`
	CompositeStrength float64   `json:"compositeStrength"`
	Confidence        float64   `json:"confidence"`
	AppliedThreshold  float64   `json:"appliedThreshold"`
	RiskLevel         RiskLevel `json:"riskLevel"`
	Reason            string    `json:"reason,omitempty"`
	Contributing      []Signal  `json:"contributingSignals"`
}

// ErrInsufficientSignals is returned when Decide is called with no
// signals; the engine never guesses with no input. The orchestrator
// treats it as a hold, not a pipeline failure.
var ErrInsufficientSignals = errors.New("decision: no signals to fuse")
