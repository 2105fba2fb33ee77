package config

const (
	defaultAppEnv      = "dev"
	defaultAppLogLevel = "info"
	defaultAppHTTPAddr = ":9980"
	defaultAppLogPath  = ""

	defaultScheduleInterval = "1d"
	defaultScheduleOffset   = 10

	defaultBudgetWindow     = "daily"
	defaultBudgetLimit      = 100_000.0
	defaultBudgetTolerance  = 0.05
	defaultEstimateOverhead = 50.0
	defaultEstimatePerByte  = 0.02

	defaultDefaultRisk = "medium"

	defaultPollInterval  = 10
	defaultStageTimeout  = 300
	defaultStageAttempts = 3
	defaultCycleTimeout  = 30
	defaultSkipOptional  = 0.5
	defaultCriticalOnly  = 0.8

	defaultMaxPositionPct  = 0.2
	defaultExecAttempts    = 3
	defaultBackoffBaseMs   = 2000
	defaultBackoffMaxMs    = 30000
	defaultSimStartingCash = 1_000_000.0

	defaultMarketREST     = "https://api.binance.com"
	defaultMarketTimeout  = 15
	defaultCandleInterval = "1d"
	defaultCandleLimit    = 60

	defaultRosterPath    = "configs/agents.yaml"
	defaultInvokeTimeout = 120

	defaultStorePath    = "data/tradecycle.db"
	defaultUsageLogPath = "data/usage.db"
)

func defaultWeights() map[string]float64 {
	return map[string]float64{
		"technical":   0.4,
		"fundamental": 0.2,
		"news":        0.3,
		"policy":      0.1,
	}
}

func defaultRiskThresholds() map[string]float64 {
	return map[string]float64{
		"low":    0.3,
		"medium": 0.5,
		"high":   0.7,
	}
}

func defaultTierFractions() map[string]float64 {
	return map[string]float64{
		"critical": 0.5,
		"standard": 0.3,
		"optional": 0.2,
	}
}

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Schedule.applyDefaults(keys)
	c.Budget.applyDefaults(keys)
	c.Decision.applyDefaults(keys)
	c.Orchestrator.applyDefaults(keys)
	c.Execution.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Agents.applyDefaults(keys)
	c.Store.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a.Env == "" {
		a.Env = defaultAppEnv
	}
	if a.LogLevel == "" {
		a.LogLevel = defaultAppLogLevel
	}
	if a.HTTPAddr == "" {
		a.HTTPAddr = defaultAppHTTPAddr
	}
	if a.LogPath == "" && !keys.isSet("app.log_path") {
		a.LogPath = defaultAppLogPath
	}
}

func (s *ScheduleConfig) applyDefaults(keys keySet) {
	if s.Interval == "" {
		s.Interval = defaultScheduleInterval
	}
	if s.OffsetSeconds <= 0 && !keys.isSet("schedule.offset_seconds") {
		s.OffsetSeconds = defaultScheduleOffset
	}
}

func (b *BudgetConfig) applyDefaults(keys keySet) {
	if b.Window == "" {
		b.Window = defaultBudgetWindow
	}
	if b.LimitCostUnits <= 0 {
		b.LimitCostUnits = defaultBudgetLimit
	}
	if b.ReserveTolerance <= 0 && !keys.isSet("budget.reserve_tolerance") {
		b.ReserveTolerance = defaultBudgetTolerance
	}
	if len(b.TierFractions) == 0 {
		b.TierFractions = defaultTierFractions()
	}
	if b.EstimateOverhead <= 0 {
		b.EstimateOverhead = defaultEstimateOverhead
	}
	if b.EstimatePerByte <= 0 {
		b.EstimatePerByte = defaultEstimatePerByte
	}
}

func (d *DecisionConfig) applyDefaults(keys keySet) {
	if len(d.Weights) == 0 {
		d.Weights = defaultWeights()
	}
	if len(d.RiskThresholds) == 0 {
		d.RiskThresholds = defaultRiskThresholds()
	}
	if d.DefaultRisk == "" {
		d.DefaultRisk = defaultDefaultRisk
	}
}

func (o *OrchestratorConfig) applyDefaults(keys keySet) {
	if o.PollIntervalSeconds <= 0 {
		o.PollIntervalSeconds = defaultPollInterval
	}
	if o.StageTimeoutSeconds <= 0 {
		o.StageTimeoutSeconds = defaultStageTimeout
	}
	if o.StageAttempts <= 0 {
		o.StageAttempts = defaultStageAttempts
	}
	if o.CycleTimeoutMinutes <= 0 {
		o.CycleTimeoutMinutes = defaultCycleTimeout
	}
	if o.DegradeSkipOptional <= 0 {
		o.DegradeSkipOptional = defaultSkipOptional
	}
	if o.DegradeCriticalOnly <= 0 {
		o.DegradeCriticalOnly = defaultCriticalOnly
	}
}

func (e *ExecutionConfig) applyDefaults(keys keySet) {
	if e.MaxPositionPct <= 0 {
		e.MaxPositionPct = defaultMaxPositionPct
	}
	if e.MaxAttempts <= 0 {
		e.MaxAttempts = defaultExecAttempts
	}
	if e.BackoffBaseMs <= 0 {
		e.BackoffBaseMs = defaultBackoffBaseMs
	}
	if e.BackoffMaxMs <= 0 {
		e.BackoffMaxMs = defaultBackoffMaxMs
	}
	if e.SimStartingCash <= 0 {
		e.SimStartingCash = defaultSimStartingCash
	}
	// Simulation defaults to on: a fresh config must never hit a live
	// execution surface by accident.
	if !keys.isSet("execution.simulation") {
		e.Simulation = true
	}
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m.RESTBaseURL == "" {
		m.RESTBaseURL = defaultMarketREST
	}
	if m.HTTPTimeoutSeconds <= 0 {
		m.HTTPTimeoutSeconds = defaultMarketTimeout
	}
	if m.CandleInterval == "" {
		m.CandleInterval = defaultCandleInterval
	}
	if m.CandleLimit <= 0 {
		m.CandleLimit = defaultCandleLimit
	}
}

func (a *AgentsConfig) applyDefaults(keys keySet) {
	if a.RosterPath == "" {
		a.RosterPath = defaultRosterPath
	}
	if a.InvokeTimeoutS <= 0 {
		a.InvokeTimeoutS = defaultInvokeTimeout
	}
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s.Path == "" {
		s.Path = defaultStorePath
	}
	if s.UsageLogPath == "" {
		s.UsageLogPath = defaultUsageLogPath
	}
}
