package local

import (
	"fmt"
	"time"

	"tradecycle/internal/agent"
	"tradecycle/internal/config"
	"tradecycle/internal/market"
)

// Build resolves every roster spec to a runnable agent: named built-ins
// for `local` entries, HTTP adapters for `endpoint` entries.
func Build(roster *agent.Roster, source market.Source, marketCfg config.MarketConfig, agentsCfg config.AgentsConfig) (map[agent.Kind]agent.Agent, error) {
	snapshot := roster.Snapshot()
	agents := make(map[agent.Kind]agent.Agent, len(snapshot.Specs))
	timeout := time.Duration(agentsCfg.InvokeTimeoutS) * time.Second

	for _, spec := range snapshot.Specs {
		if !spec.IsEnabled() {
			continue
		}
		var built agent.Agent
		switch spec.Local {
		case "":
			built = agent.NewRemoteAgent(spec, timeout)
		case "technical":
			built = NewTechnicalAgent(source, marketCfg.CandleInterval, marketCfg.CandleLimit)
		case "market-data":
			built = NewMarketDataAgent(source)
		default:
			return nil, fmt.Errorf("agent %s: unknown local implementation %q", spec.Kind, spec.Local)
		}
		agents[agent.Kind(spec.Kind)] = built
	}
	return agents, nil
}
