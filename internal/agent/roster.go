package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"tradecycle/internal/budget"
	"tradecycle/internal/logger"
)

// Spec declares one agent kind in the roster file.
type Spec struct {
	Kind     string         `mapstructure:"kind" yaml:"kind"`
	Role     string         `mapstructure:"role" yaml:"role"`
	Tier     string         `mapstructure:"tier" yaml:"tier"`
	Source   string         `mapstructure:"source" yaml:"source"`     // signal source name, defaults to kind
	Local    string         `mapstructure:"local" yaml:"local"`       // built-in implementation name
	Endpoint string         `mapstructure:"endpoint" yaml:"endpoint"` // remote invocation URL
	Enabled  *bool          `mapstructure:"enabled" yaml:"enabled"`
	Schema   map[string]any `mapstructure:"schema" yaml:"schema"` // jsonschema for result data

	schemaCompiled *jsonschema.Schema
}

func (s Spec) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

func (s Spec) BudgetTier() budget.Tier { return budget.ParseTier(s.Tier) }

func (s Spec) SignalSource() string {
	if src := strings.TrimSpace(s.Source); src != "" {
		return src
	}
	return s.Kind
}

// ValidateData checks a result payload against the spec's schema, when
// one is declared.
func (s Spec) ValidateData(data []byte) error {
	if s.schemaCompiled == nil || len(data) == 0 {
		return nil
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("agent %s result is not valid JSON: %w", s.Kind, err)
	}
	if err := s.schemaCompiled.Validate(doc); err != nil {
		return fmt.Errorf("agent %s result schema violation: %w", s.Kind, err)
	}
	return nil
}

type rosterFile struct {
	Agents map[string]Spec `mapstructure:"agents" yaml:"agents"`
}

// Snapshot is an immutable view of the roster.
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Specs    map[string]Spec
}

// ByRole returns enabled specs with the given role, ordered by kind so
// dispatch is deterministic.
func (s Snapshot) ByRole(role Role) []Spec {
	var out []Spec
	for _, spec := range s.Specs {
		if spec.IsEnabled() && Role(spec.Role) == role {
			out = append(out, spec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Roster loads agent declarations from a yaml file and hot-reloads on
// change.
type Roster struct {
	path string
	v    *viper.Viper

	mu       sync.RWMutex
	snapshot Snapshot
}

func NewRoster(path string) (*Roster, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("agent roster requires a path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read agent roster failed: %w", err)
	}
	r := &Roster{path: path, v: v}
	if err := r.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("agent roster reload failed: %v", err)
		}
	})
	v.WatchConfig()
	return r, nil
}

// NewRosterFromSpecs builds a static roster; tests and embedded setups
// use it to skip the file watcher.
func NewRosterFromSpecs(specs []Spec) (*Roster, error) {
	r := &Roster{}
	compiled := make(map[string]Spec, len(specs))
	for _, spec := range specs {
		prepared, err := prepareSpec(spec.Kind, spec)
		if err != nil {
			return nil, err
		}
		compiled[prepared.Kind] = prepared
	}
	r.snapshot = Snapshot{Version: 1, LoadedAt: time.Now(), Specs: compiled}
	return r, nil
}

func (r *Roster) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

func (r *Roster) Spec(kind string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.snapshot.Specs[strings.TrimSpace(kind)]
	return spec, ok
}

func (r *Roster) reload() error {
	var file rosterFile
	if err := r.v.Unmarshal(&file); err != nil {
		return fmt.Errorf("parse agent roster failed: %w", err)
	}
	if len(file.Agents) == 0 {
		return fmt.Errorf("agent roster %s declares no agents", r.path)
	}
	compiled := make(map[string]Spec, len(file.Agents))
	for key, spec := range file.Agents {
		prepared, err := prepareSpec(key, spec)
		if err != nil {
			return err
		}
		compiled[prepared.Kind] = prepared
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Specs:    compiled,
	}
	version := r.snapshot.Version
	r.mu.Unlock()
	logger.Infof("agent roster loaded: %d agents (version %d)", len(compiled), version)
	return nil
}

func prepareSpec(key string, spec Spec) (Spec, error) {
	if strings.TrimSpace(spec.Kind) == "" {
		spec.Kind = strings.TrimSpace(key)
	}
	if spec.Kind == "" {
		return spec, fmt.Errorf("agent roster entry %q missing kind", key)
	}
	switch Role(spec.Role) {
	case RoleCollect, RoleAnalyze:
	default:
		return spec, fmt.Errorf("agent %s: role must be collect or analyze, got %q", spec.Kind, spec.Role)
	}
	if spec.Local == "" && spec.Endpoint == "" {
		return spec, fmt.Errorf("agent %s: needs either local or endpoint", spec.Kind)
	}
	if len(spec.Schema) > 0 {
		compiled, err := compileSchema(spec.Kind, spec.Schema)
		if err != nil {
			return spec, err
		}
		spec.schemaCompiled = compiled
	}
	return spec, nil
}

func compileSchema(kind string, raw map[string]any) (*jsonschema.Schema, error) {
	// Round-trip through yaml+json so map[any]any keys from the yaml
	// decoder become proper JSON objects.
	normalized, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("agent %s: marshal schema: %w", kind, err)
	}
	var doc any
	if err := yaml.Unmarshal(normalized, &doc); err != nil {
		return nil, fmt.Errorf("agent %s: normalize schema: %w", kind, err)
	}
	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("agent %s: schema to json: %w", kind, err)
	}
	compiler := jsonschema.NewCompiler()
	url := fmt.Sprintf("roster://%s/schema.json", kind)
	if err := compiler.AddResource(url, bytes.NewReader(jsonBytes)); err != nil {
		return nil, fmt.Errorf("agent %s: add schema resource: %w", kind, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("agent %s: compile schema: %w", kind, err)
	}
	return schema, nil
}
