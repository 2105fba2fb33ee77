package app

import (
	"context"
	"fmt"

	"tradecycle/internal/agent"
	"tradecycle/internal/agent/local"
	"tradecycle/internal/budget"
	"tradecycle/internal/config"
	"tradecycle/internal/decision"
	"tradecycle/internal/gateway/execution"
	"tradecycle/internal/logger"
	"tradecycle/internal/market"
	"tradecycle/internal/orchestrator"
	"tradecycle/internal/store"
	"tradecycle/internal/store/usagelog"
	transporthttp "tradecycle/internal/transport/http"
)

// AppBuilder assembles the application, with injection points so tests
// can swap storage and market surfaces.
type AppBuilder struct {
	cfg *config.Config

	storeFn    func(*config.Config) (*store.Store, error)
	usageLogFn func(*config.Config) (*usagelog.UsageLogStore, error)
	sourceFn   func(*config.Config) market.Source
	rosterFn   func(*config.Config) (*agent.Roster, error)

	brokerOverride   execution.Broker
	accountsOverride market.AccountProvider
}

type AppBuilderOption func(*AppBuilder)

// WithBroker overrides the execution broker; live (non-simulation)
// deployments must provide one.
func WithBroker(broker execution.Broker, accounts market.AccountProvider) AppBuilderOption {
	return func(b *AppBuilder) {
		b.brokerOverride = broker
		b.accountsOverride = accounts
	}
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg: cfg,
		storeFn: func(c *config.Config) (*store.Store, error) {
			return store.NewStore(c.Store.Path)
		},
		usageLogFn: func(c *config.Config) (*usagelog.UsageLogStore, error) {
			return usagelog.NewUsageLogStore(c.Store.UsageLogPath)
		},
		sourceFn: func(c *config.Config) market.Source {
			return market.NewBinanceSource(c.Market)
		},
		rosterFn: func(c *config.Config) (*agent.Roster, error) {
			return agent.NewRoster(c.Agents.RosterPath)
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := b.cfg
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}

	st, err := b.storeFn(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	usageLog, err := b.usageLogFn(cfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open usage log: %w", err)
	}

	ledger := budget.NewLedger(cfg.Budget,
		budget.WithPeriodSink(st),
		budget.WithUsageSink(usageLog))

	source := b.sourceFn(cfg)

	roster, err := b.rosterFn(cfg)
	if err != nil {
		usageLog.Close()
		st.Close()
		return nil, fmt.Errorf("load agent roster: %w", err)
	}
	agents, err := local.Build(roster, source, cfg.Market, cfg.Agents)
	if err != nil {
		usageLog.Close()
		st.Close()
		return nil, fmt.Errorf("build agents: %w", err)
	}
	logger.Infof("agent roster ready: %d agents", len(agents))

	broker, accounts, err := b.executionSurface(cfg)
	if err != nil {
		usageLog.Close()
		st.Close()
		return nil, err
	}
	gw := execution.NewGateway(cfg.Execution, broker, st, source, accounts)
	if !cfg.Execution.Simulation {
		// Test-mode cycles on a live deployment still need somewhere to go.
		simAccount := market.NewSimAccount(cfg.Execution.SimStartingCash)
		gw.AttachSimSurface(execution.NewSimBroker(simAccount), simAccount)
	}

	engine := decision.NewEngine(cfg.Decision)
	orch := orchestrator.New(cfg.Orchestrator,
		decision.ParseRiskLevel(cfg.Decision.DefaultRisk),
		orchestrator.Deps{
			Ledger:   ledger,
			Roster:   roster,
			Agents:   agents,
			Engine:   engine,
			Executor: gw,
			Cycles:   st,
		})

	httpSrv, err := transporthttp.NewServer(transporthttp.ServerConfig{
		Addr:           cfg.App.HTTPAddr,
		Runner:         orch,
		Ledger:         ledger,
		Cycles:         st,
		Periods:        st,
		Usage:          usageLog,
		DefaultTickers: cfg.Schedule.Tickers,
	})
	if err != nil {
		usageLog.Close()
		st.Close()
		return nil, fmt.Errorf("build http server: %w", err)
	}

	return &App{
		cfg:      cfg,
		orch:     orch,
		httpSrv:  httpSrv,
		store:    st,
		usageLog: usageLog,
	}, nil
}

// executionSurface picks the broker and account provider. Simulation
// runs against an in-memory account filled at submit price; live mode
// requires an injected broker.
func (b *AppBuilder) executionSurface(cfg *config.Config) (execution.Broker, market.AccountProvider, error) {
	if b.brokerOverride != nil {
		accounts := b.accountsOverride
		if accounts == nil {
			return nil, nil, fmt.Errorf("broker override requires an account provider")
		}
		return b.brokerOverride, accounts, nil
	}
	if !cfg.Execution.Simulation {
		return nil, nil, fmt.Errorf("live execution requires a broker; enable execution.simulation or inject one")
	}
	account := market.NewSimAccount(cfg.Execution.SimStartingCash)
	logger.Infof("simulation mode: starting cash %.2f", cfg.Execution.SimStartingCash)
	return execution.NewSimBroker(account), account, nil
}
