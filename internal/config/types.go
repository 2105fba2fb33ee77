package config

import "strings"

// Config is the top-level configuration for the tradecycle service.
type Config struct {
	App          AppConfig          `toml:"app"`
	Schedule     ScheduleConfig     `toml:"schedule"`
	Budget       BudgetConfig       `toml:"budget"`
	Decision     DecisionConfig     `toml:"decision"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Execution    ExecutionConfig    `toml:"execution"`
	Market       MarketConfig       `toml:"market"`
	Agents       AgentsConfig       `toml:"agents"`
	Store        StoreConfig        `toml:"store"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
}

// ScheduleConfig drives periodic cycle triggering; manual triggers via the
// HTTP API work regardless of the schedule.
type ScheduleConfig struct {
	Enabled        bool     `toml:"enabled"`
	Interval       string   `toml:"interval"` // "15m", "1h", "1d"
	OffsetSeconds  int      `toml:"offset_seconds"`
	RunImmediately bool     `toml:"run_immediately"`
	Tickers        []string `toml:"tickers"`
}

// BudgetConfig configures the per-period cost ledger.
type BudgetConfig struct {
	Window           string             `toml:"window"` // "daily" | "hourly"
	LimitCostUnits   float64            `toml:"limit_cost_units"`
	ReserveTolerance float64            `toml:"reserve_tolerance"` // fraction of limit
	TierFractions    map[string]float64 `toml:"tier_fractions"`    // tier name -> fraction of limit
	EstimateOverhead float64            `toml:"estimate_overhead"` // fixed cost units per call
	EstimatePerByte  float64            `toml:"estimate_per_byte"` // cost units per payload byte
}

// DecisionConfig holds the signal fusion parameters. The shipped defaults
// are illustrative, not tuned for any real market.
type DecisionConfig struct {
	Weights        map[string]float64 `toml:"weights"`         // signal source -> weight
	RiskThresholds map[string]float64 `toml:"risk_thresholds"` // risk level -> action threshold
	DefaultRisk    string             `toml:"default_risk"`
}

type OrchestratorConfig struct {
	PollIntervalSeconds int     `toml:"poll_interval_seconds"`
	StageTimeoutSeconds int     `toml:"stage_timeout_seconds"`
	StageAttempts       int     `toml:"stage_attempts"`
	CycleTimeoutMinutes int     `toml:"cycle_timeout_minutes"`
	DegradeSkipOptional float64 `toml:"degrade_skip_optional"` // usage ratio above which optional agents are skipped
	DegradeCriticalOnly float64 `toml:"degrade_critical_only"` // usage ratio above which only critical agents run
}

type ExecutionConfig struct {
	MaxPositionPct  float64 `toml:"max_position_pct"` // max exposure per ticker as fraction of portfolio value
	MaxAttempts     int     `toml:"max_attempts"`
	BackoffBaseMs   int     `toml:"backoff_base_ms"`
	BackoffMaxMs    int     `toml:"backoff_max_ms"`
	Simulation      bool    `toml:"simulation"`
	SimStartingCash float64 `toml:"sim_starting_cash"`
}

type MarketConfig struct {
	RESTBaseURL        string `toml:"rest_base_url"`
	HTTPTimeoutSeconds int    `toml:"http_timeout_seconds"`
	CandleInterval     string `toml:"candle_interval"`
	CandleLimit        int    `toml:"candle_limit"`
}

type AgentsConfig struct {
	RosterPath     string `toml:"roster_path"`
	InvokeTimeoutS int    `toml:"invoke_timeout_seconds"`
}

type StoreConfig struct {
	Path         string `toml:"path"`
	UsageLogPath string `toml:"usage_log_path"`
}

// RiskThreshold resolves the action threshold for a risk level, falling
// back to the medium threshold for unknown levels.
func (d DecisionConfig) RiskThreshold(level string) float64 {
	level = strings.ToLower(strings.TrimSpace(level))
	if t, ok := d.RiskThresholds[level]; ok {
		return t
	}
	if t, ok := d.RiskThresholds["medium"]; ok {
		return t
	}
	return 0.5
}

// keySet tracks which config paths were explicitly set in the file, so
// defaults never clobber intentional zero values.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	_, ok := k[strings.ToLower(strings.TrimSpace(path))]
	return ok
}
