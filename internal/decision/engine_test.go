package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecycle/internal/config"
)

func testEngine() *Engine {
	return NewEngine(config.DecisionConfig{
		Weights: map[string]float64{
			"technical":   0.4,
			"fundamental": 0.2,
			"news":        0.3,
			"policy":      0.1,
		},
		RiskThresholds: map[string]float64{
			"low":    0.3,
			"medium": 0.5,
			"high":   0.7,
		},
		DefaultRisk: "medium",
	})
}

func TestDecideNoSignals(t *testing.T) {
	_, err := testEngine().Decide("c1", "7203", nil, RiskMedium)
	assert.ErrorIs(t, err, ErrInsufficientSignals)
}

func TestDecideSingleStrongSignal(t *testing.T) {
	d, err := testEngine().Decide("c1", "7203", []Signal{
		{Source: "technical", Strength: 0.8, Confidence: 0.9},
	}, RiskMedium)
	require.NoError(t, err)

	assert.Equal(t, ActionBuy, d.Action)
	assert.InDelta(t, 0.72, d.CompositeStrength, 1e-9)
	assert.InDelta(t, 0.9, d.Confidence, 1e-9)
	assert.Equal(t, 0.5, d.AppliedThreshold)
}

func TestDecideThresholdInclusive(t *testing.T) {
	// A single full-confidence signal makes composite == strength.
	d, err := testEngine().Decide("c1", "", []Signal{
		{Source: "technical", Strength: 0.5, Confidence: 1.0},
	}, RiskMedium)
	require.NoError(t, err)
	assert.Equal(t, ActionBuy, d.Action, "threshold is inclusive")

	d, err = testEngine().Decide("c1", "", []Signal{
		{Source: "technical", Strength: 0.49999, Confidence: 1.0},
	}, RiskMedium)
	require.NoError(t, err)
	assert.Equal(t, ActionHold, d.Action)
}

func TestDecideSellSide(t *testing.T) {
	d, err := testEngine().Decide("c1", "", []Signal{
		{Source: "news", Strength: -0.9, Confidence: 0.8},
		{Source: "technical", Strength: -0.7, Confidence: 0.9},
	}, RiskLow)
	require.NoError(t, err)
	assert.Equal(t, ActionSell, d.Action)
	assert.Negative(t, d.CompositeStrength)
}

func TestDecideConfidenceOverride(t *testing.T) {
	// High-magnitude but low-confidence: the composite clears the
	// threshold, the override forces hold.
	d, err := testEngine().Decide("c1", "", []Signal{
		{Source: "technical", Strength: 1.0, Confidence: 0.5},
	}, RiskLow)
	require.NoError(t, err)
	assert.Equal(t, ActionBuy, d.Action, "confidence 0.5 meets the low threshold 0.3")

	// A dominant high-magnitude signal drags the composite over the
	// threshold, but the weak second view pulls overall confidence below
	// it, so the override kicks in.
	d, err = testEngine().Decide("c1", "", []Signal{
		{Source: "technical", Strength: 1.0, Confidence: 0.9},
		{Source: "news", Strength: 0.2, Confidence: 0.3},
	}, RiskMedium)
	require.NoError(t, err)
	assert.Equal(t, ActionHold, d.Action)
	assert.Equal(t, "low_confidence_override", d.Reason)
	assert.GreaterOrEqual(t, d.CompositeStrength, d.AppliedThreshold)
	assert.Less(t, d.Confidence, d.AppliedThreshold)
}

func TestDecideRenormalizesByPresentWeight(t *testing.T) {
	// Only the policy source (weight 0.1) reports. Re-normalizing by the
	// present weight keeps the composite proportional to the signal
	// itself rather than diluting it by the full weight table.
	d, err := testEngine().Decide("c1", "", []Signal{
		{Source: "policy", Strength: 0.6, Confidence: 1.0},
	}, RiskMedium)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, d.CompositeStrength, 1e-9)
	assert.Equal(t, ActionBuy, d.Action)
}

func TestDecideDisagreementLowersConfidence(t *testing.T) {
	agree, err := testEngine().Decide("c1", "", []Signal{
		{Source: "technical", Strength: 0.8, Confidence: 0.9},
		{Source: "news", Strength: 0.8, Confidence: 0.9},
	}, RiskMedium)
	require.NoError(t, err)

	split, err := testEngine().Decide("c1", "", []Signal{
		{Source: "technical", Strength: 0.8, Confidence: 0.9},
		{Source: "news", Strength: -0.8, Confidence: 0.9},
	}, RiskMedium)
	require.NoError(t, err)

	assert.Greater(t, agree.Confidence, split.Confidence)
}

func TestDecideRiskLevelsShiftThreshold(t *testing.T) {
	signals := []Signal{{Source: "technical", Strength: 0.6, Confidence: 1.0}}

	low, err := testEngine().Decide("c1", "", signals, RiskLow)
	require.NoError(t, err)
	assert.Equal(t, ActionBuy, low.Action)

	high, err := testEngine().Decide("c1", "", signals, RiskHigh)
	require.NoError(t, err)
	assert.Equal(t, ActionHold, high.Action)
	assert.Equal(t, 0.7, high.AppliedThreshold)
}

func TestDecideKeepsContributingSignals(t *testing.T) {
	signals := []Signal{
		{Source: "technical", Strength: 0.4, Confidence: 0.7},
		{Source: "news", Strength: 0.2, Confidence: 0.5},
	}
	d, err := testEngine().Decide("c9", "6758", signals, RiskMedium)
	require.NoError(t, err)
	assert.Equal(t, "c9", d.CycleID)
	assert.Len(t, d.Contributing, 2)

	// The decision owns its copy of the signals.
	signals[0].Strength = -1
	assert.Equal(t, 0.4, d.Contributing[0].Strength)
}
