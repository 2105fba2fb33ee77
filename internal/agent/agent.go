package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"tradecycle/internal/decision"
)

// Kind tags the capability an agent provides ("market-data", "technical",
// "news", "policy", "risk", ...). Kinds are declared in the roster file,
// not hard-coded.
type Kind string

// Role places a kind in the pipeline topology.
type Role string

const (
	RoleCollect Role = "collect"
	RoleAnalyze Role = "analyze"
)

type Status string

const (
	StatusComplete Status = "complete"
	StatusPending  Status = "pending"
	StatusFailed   Status = "failed"
)

// Request is the typed envelope one orchestrator stage hands to an agent.
type Request struct {
	CycleID string          `json:"cycleId"`
	Kind    Kind            `json:"agentKind"`
	Tickers []string        `json:"tickers,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Result is the agent's reply. Pending results are re-polled by the
// orchestrator; failed results carry Err.
type Result struct {
	CycleID           string          `json:"cycleId"`
	Kind              Kind            `json:"agentKind"`
	Status            Status          `json:"status"`
	Data              json.RawMessage `json:"data,omitempty"`
	CostUnitsConsumed float64         `json:"costUnitsConsumed,omitempty"`
	Err               string          `json:"error,omitempty"`
}

// Agent is the single capability interface all agent kinds implement.
type Agent interface {
	Kind() Kind
	Invoke(ctx context.Context, req Request) (Result, error)
}

// TransientError marks a failure worth retrying within the stage.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

func Transientf(format string, v ...any) error {
	return &TransientError{Err: fmt.Errorf(format, v...)}
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Signals extracts decision signals from a completed analysis result.
// Payload shapes are agent-defined, so extraction is tolerant: either a
// `signals` array or a single flat `strength`/`confidence` pair, with
// the agent kind as the fallback source name.
func Signals(res Result, fallbackSource string) []decision.Signal {
	if len(res.Data) == 0 {
		return nil
	}
	root := gjson.ParseBytes(res.Data)

	if arr := root.Get("signals"); arr.IsArray() {
		var out []decision.Signal
		arr.ForEach(func(_, item gjson.Result) bool {
			if sig, ok := signalFrom(item, fallbackSource); ok {
				out = append(out, sig)
			}
			return true
		})
		return out
	}
	if sig, ok := signalFrom(root, fallbackSource); ok {
		return []decision.Signal{sig}
	}
	return nil
}

func signalFrom(item gjson.Result, fallbackSource string) (decision.Signal, bool) {
	strength := item.Get("strength")
	if !strength.Exists() {
		strength = item.Get("signal")
	}
	if !strength.Exists() {
		return decision.Signal{}, false
	}
	source := strings.TrimSpace(item.Get("source").String())
	if source == "" {
		source = fallbackSource
	}
	confidence := 0.5
	if c := item.Get("confidence"); c.Exists() {
		confidence = c.Float()
	}
	return decision.Signal{
		Source:     source,
		Ticker:     item.Get("ticker").String(),
		Strength:   strength.Float(),
		Confidence: confidence,
	}, true
}

// RiskLevel pulls a risk assessment out of a result payload, if present.
func RiskLevel(res Result) (decision.RiskLevel, bool) {
	if len(res.Data) == 0 {
		return "", false
	}
	level := gjson.GetBytes(res.Data, "risk_level")
	if !level.Exists() {
		level = gjson.GetBytes(res.Data, "riskLevel")
	}
	if !level.Exists() {
		return "", false
	}
	return decision.ParseRiskLevel(level.String()), true
}
