package usagelog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"tradecycle/internal/budget"
	"tradecycle/internal/logger"
)

// UsageLogStore appends per-call cost entries to a dedicated SQLite
// database, kept separate from the main store so dashboards can read
// it without touching the orchestrator's write path.
type UsageLogStore struct {
	mu     sync.Mutex
	db     *sql.DB
	ownsDB bool
}

func NewUsageLogStore(path string) (*UsageLogStore, error) {
	if path == "" {
		return nil, fmt.Errorf("usage log path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	if err := ensureUsageSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &UsageLogStore{db: db, ownsDB: true}, nil
}

// UseExternalDB reuses an externally opened SQLite connection, avoiding
// multi-connection lock contention when sharing a file.
func (s *UsageLogStore) UseExternalDB(db *sql.DB) error {
	if s == nil {
		return fmt.Errorf("usage log store not initialized")
	}
	if db == nil {
		return fmt.Errorf("external db cannot be nil")
	}
	if err := ensureUsageSchema(db); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ownsDB && s.db != nil && s.db != db {
		_ = s.db.Close()
	}
	s.db = db
	s.ownsDB = false
	return nil
}

func (s *UsageLogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	if !s.ownsDB {
		s.db = nil
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureUsageSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agent_usage (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			cycle_id TEXT NOT NULL,
			agent_kind TEXT NOT NULL,
			tier TEXT NOT NULL,
			period_id TEXT NOT NULL,
			cost_units TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_usage_period_ts ON agent_usage(period_id, ts DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_usage_cycle ON agent_usage(cycle_id);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("usage log schema: %w", err)
		}
	}
	return nil
}

var _ budget.UsageSink = (*UsageLogStore)(nil)

// AppendUsage records one settled agent call. Write failures are logged
// and dropped: usage accounting lives in the ledger, this table is a
// reporting convenience.
func (s *UsageLogStore) AppendUsage(rec budget.UsageRecord) {
	if s == nil {
		return
	}
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return
	}
	now := time.Now().Unix()
	ts := rec.Timestamp.Unix()
	if rec.Timestamp.IsZero() {
		ts = now
	}
	_, err := db.ExecContext(context.Background(),
		`INSERT INTO agent_usage (ts, cycle_id, agent_kind, tier, period_id, cost_units, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ts, rec.CycleID, rec.AgentKind, string(rec.Tier), rec.PeriodID, rec.CostUnits.String(), now)
	if err != nil {
		logger.Errorf("usage log: append for cycle %s: %v", rec.CycleID, err)
	}
}

// Entry is one row read back for reporting.
type Entry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"ts"`
	CycleID   string    `json:"cycleId"`
	AgentKind string    `json:"agentKind"`
	Tier      string    `json:"tier"`
	PeriodID  string    `json:"periodId"`
	CostUnits string    `json:"costUnits"`
}

// ListByPeriod returns the most recent entries for one budget period.
func (s *UsageLogStore) ListByPeriod(ctx context.Context, periodID string, limit int) ([]Entry, error) {
	if s == nil {
		return nil, fmt.Errorf("usage log store not initialized")
	}
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("usage log store closed")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id, ts, cycle_id, agent_kind, tier, period_id, cost_units
		 FROM agent_usage WHERE period_id = ? ORDER BY ts DESC, id DESC LIMIT ?`,
		periodID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		if err := rows.Scan(&e.ID, &ts, &e.CycleID, &e.AgentKind, &e.Tier, &e.PeriodID, &e.CostUnits); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(ts, 0).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
