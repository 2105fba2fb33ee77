package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// RemoteAgent invokes an external capability provider over HTTP. The
// provider's internals (model choice, data source) are its own business;
// this side only speaks the invoke envelope and validates the result
// payload against the roster schema.
type RemoteAgent struct {
	spec   Spec
	client *http.Client
}

func NewRemoteAgent(spec Spec, timeout time.Duration) *RemoteAgent {
	return &RemoteAgent{
		spec:   spec,
		client: &http.Client{Timeout: timeout},
	}
}

func (a *RemoteAgent) Kind() Kind { return Kind(a.spec.Kind) }

func (a *RemoteAgent) Invoke(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("marshal agent request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.spec.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return Result{}, Transientf("agent %s unreachable: %v", a.spec.Kind, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{}, Transientf("agent %s read response: %v", a.spec.Kind, err)
	}
	if resp.StatusCode >= 500 {
		return Result{}, Transientf("agent %s returned %d", a.spec.Kind, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return Result{}, fmt.Errorf("agent %s rejected request: %d %s", a.spec.Kind, resp.StatusCode, truncate(raw, 200))
	}
	return a.parseResult(req, raw)
}

func (a *RemoteAgent) parseResult(req Request, raw []byte) (Result, error) {
	root := gjson.ParseBytes(raw)
	res := Result{
		CycleID: req.CycleID,
		Kind:    Kind(a.spec.Kind),
		Status:  Status(root.Get("status").String()),
		Err:     root.Get("error").String(),
	}
	switch res.Status {
	case StatusComplete, StatusPending, StatusFailed:
	case "success": // legacy providers answer success/error
		res.Status = StatusComplete
	default:
		return Result{}, fmt.Errorf("agent %s: unknown status %q", a.spec.Kind, res.Status)
	}
	if data := root.Get("data"); data.Exists() {
		res.Data = json.RawMessage(data.Raw)
	}
	res.CostUnitsConsumed = root.Get("costUnitsConsumed").Float()
	if res.CostUnitsConsumed == 0 {
		res.CostUnitsConsumed = root.Get("cost_units_consumed").Float()
	}
	if res.Status == StatusComplete {
		if err := a.spec.ValidateData(res.Data); err != nil {
			return Result{}, err
		}
	}
	return res, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
