package config

import (
	"fmt"
	"strings"
)

func validate(c *Config) error {
	if err := c.Budget.validate(); err != nil {
		return err
	}
	if err := c.Decision.validate(); err != nil {
		return err
	}
	if err := c.Orchestrator.validate(); err != nil {
		return err
	}
	if err := c.Execution.validate(); err != nil {
		return err
	}
	if err := c.Schedule.validate(); err != nil {
		return err
	}
	return nil
}

func (b *BudgetConfig) validate() error {
	switch strings.ToLower(b.Window) {
	case "daily", "hourly":
	default:
		return fmt.Errorf("budget.window must be daily or hourly, got %q", b.Window)
	}
	if b.ReserveTolerance < 0 || b.ReserveTolerance > 1 {
		return fmt.Errorf("budget.reserve_tolerance must be within [0,1]")
	}
	var sum float64
	for tier, frac := range b.TierFractions {
		if frac <= 0 || frac > 1 {
			return fmt.Errorf("budget.tier_fractions.%s must be within (0,1]", tier)
		}
		sum += frac
	}
	if sum > 1.0001 {
		return fmt.Errorf("budget.tier_fractions sum %.3f exceeds 1", sum)
	}
	return nil
}

func (d *DecisionConfig) validate() error {
	for src, w := range d.Weights {
		if w < 0 {
			return fmt.Errorf("decision.weights.%s must be >= 0", src)
		}
	}
	for level, t := range d.RiskThresholds {
		if t < 0 || t > 1 {
			return fmt.Errorf("decision.risk_thresholds.%s must be within [0,1]", level)
		}
	}
	if _, ok := d.RiskThresholds[strings.ToLower(d.DefaultRisk)]; !ok {
		return fmt.Errorf("decision.default_risk %q has no threshold entry", d.DefaultRisk)
	}
	return nil
}

func (o *OrchestratorConfig) validate() error {
	if o.DegradeSkipOptional >= o.DegradeCriticalOnly {
		return fmt.Errorf("orchestrator.degrade_skip_optional must be below degrade_critical_only")
	}
	if o.DegradeCriticalOnly > 1 {
		return fmt.Errorf("orchestrator.degrade_critical_only must be within (0,1]")
	}
	return nil
}

func (e *ExecutionConfig) validate() error {
	if e.MaxPositionPct > 1 {
		return fmt.Errorf("execution.max_position_pct must be within (0,1]")
	}
	if e.BackoffMaxMs < e.BackoffBaseMs {
		return fmt.Errorf("execution.backoff_max_ms must be >= backoff_base_ms")
	}
	return nil
}

func (s *ScheduleConfig) validate() error {
	if !s.Enabled {
		return nil
	}
	if strings.TrimSpace(s.Interval) == "" {
		return fmt.Errorf("schedule.interval is required when schedule.enabled")
	}
	if len(s.Tickers) == 0 {
		return fmt.Errorf("schedule.tickers is required when schedule.enabled")
	}
	return nil
}
