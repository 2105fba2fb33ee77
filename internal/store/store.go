package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"tradecycle/internal/budget"
	"tradecycle/internal/decision"
	"tradecycle/internal/gateway/execution"
	"tradecycle/internal/logger"
	"tradecycle/internal/store/model"
)

// Store persists cycles, orders, and budget periods in SQLite via Gorm.
// It is the single durable record of what the system did and why.
type Store struct {
	db *gorm.DB
}

func NewStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("store: database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	return NewStoreFromDB(db)
}

// NewStoreFromDB wraps an already-open Gorm connection. Tests use it
// with a throwaway database file.
func NewStoreFromDB(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("store: gorm db cannot be nil")
	}
	models := []interface{}{
		&model.CycleModel{},
		&model.TradeOrderModel{},
		&model.BudgetPeriodModel{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		// SQLite + WAL: a little parallelism for HTTP reads while the
		// orchestrator writes, without heavy lock contention.
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SQLDB exposes the underlying *sql.DB for shared connections.
func (s *Store) SQLDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	return s.db.DB()
}

var (
	_ CycleStore           = (*Store)(nil)
	_ execution.OrderStore = (*Store)(nil)
	_ budget.PeriodSink    = (*Store)(nil)
)

// --------------------- Cycles -------------------------

func (s *Store) SaveCycle(ctx context.Context, rec CycleRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	m, err := newCycleModel(rec)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "cycle_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"stage", "outcome", "reason", "stages_json", "decisions_json",
				"order_ids_json", "cost_units", "ended_at", "updated_at",
			}),
		}).
		Create(&m).Error
}

func (s *Store) GetCycle(ctx context.Context, cycleID string) (CycleRecord, bool, error) {
	if s == nil || s.db == nil {
		return CycleRecord{}, false, fmt.Errorf("store not initialized")
	}
	var m model.CycleModel
	err := s.db.WithContext(ctx).Where("cycle_id = ?", cycleID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CycleRecord{}, false, nil
	}
	if err != nil {
		return CycleRecord{}, false, err
	}
	rec, err := cycleModelToRecord(m)
	return rec, err == nil, err
}

func (s *Store) ListCycles(ctx context.Context, q CycleQuery) ([]CycleRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	query := s.db.WithContext(ctx).Model(&model.CycleModel{}).Order("started_at DESC")
	if !q.From.IsZero() {
		query = query.Where("started_at >= ?", q.From.Unix())
	}
	if !q.To.IsZero() {
		query = query.Where("started_at <= ?", q.To.Unix())
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}
	var models []model.CycleModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	records := make([]CycleRecord, 0, len(models))
	for _, m := range models {
		rec, err := cycleModelToRecord(m)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// --------------------- Orders -------------------------

func (s *Store) GetTradeOrder(ctx context.Context, orderID string) (execution.TradeOrder, bool, error) {
	if s == nil || s.db == nil {
		return execution.TradeOrder{}, false, fmt.Errorf("store not initialized")
	}
	var m model.TradeOrderModel
	err := s.db.WithContext(ctx).Where("order_id = ?", orderID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return execution.TradeOrder{}, false, nil
	}
	if err != nil {
		return execution.TradeOrder{}, false, err
	}
	return orderModelToRecord(m), true, nil
}

func (s *Store) SaveTradeOrder(ctx context.Context, order execution.TradeOrder) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	m := newOrderModel(order)
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "order_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "reason", "broker_ref", "updated_at",
			}),
		}).
		Create(&m).Error
}

func (s *Store) ListOrdersByCycle(ctx context.Context, cycleID string) ([]execution.TradeOrder, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	var models []model.TradeOrderModel
	if err := s.db.WithContext(ctx).Where("cycle_id = ?", cycleID).Order("submitted_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	orders := make([]execution.TradeOrder, 0, len(models))
	for _, m := range models {
		orders = append(orders, orderModelToRecord(m))
	}
	return orders, nil
}

// --------------------- Budget periods -------------------------

// UpsertBudgetPeriod mirrors ledger state into the database. Failures
// are logged and swallowed: accounting must not block on disk.
func (s *Store) UpsertBudgetPeriod(snap budget.PeriodSnapshot) {
	if s == nil || s.db == nil {
		return
	}
	m, err := newBudgetPeriodModel(snap)
	if err != nil {
		logger.Errorf("store: encode budget period %s: %v", snap.PeriodID, err)
		return
	}
	err = s.db.
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "period_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"consumed_units", "reserved_units", "overrun_units",
				"tier_consumed_json", "closed", "updated_at",
			}),
		}).
		Create(&m).Error
	if err != nil {
		logger.Errorf("store: upsert budget period %s: %v", snap.PeriodID, err)
	}
}

func (s *Store) GetBudgetPeriod(ctx context.Context, periodID string) (budget.PeriodSnapshot, bool, error) {
	if s == nil || s.db == nil {
		return budget.PeriodSnapshot{}, false, fmt.Errorf("store not initialized")
	}
	var m model.BudgetPeriodModel
	err := s.db.WithContext(ctx).Where("period_id = ?", periodID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return budget.PeriodSnapshot{}, false, nil
	}
	if err != nil {
		return budget.PeriodSnapshot{}, false, err
	}
	snap, err := budgetPeriodModelToSnapshot(m)
	return snap, err == nil, err
}

// --------------------- Conversions -------------------------

func newCycleModel(rec CycleRecord) (model.CycleModel, error) {
	tickers, err := json.Marshal(rec.Tickers)
	if err != nil {
		return model.CycleModel{}, err
	}
	stages, err := json.Marshal(rec.Stages)
	if err != nil {
		return model.CycleModel{}, err
	}
	decisions, err := json.Marshal(rec.Decisions)
	if err != nil {
		return model.CycleModel{}, err
	}
	orderIDs, err := json.Marshal(rec.OrderIDs)
	if err != nil {
		return model.CycleModel{}, err
	}
	testMode := 0
	if rec.TestMode {
		testMode = 1
	}
	now := time.Now().Unix()
	return model.CycleModel{
		CycleID:       rec.CycleID,
		Trigger:       rec.Trigger,
		TestMode:      testMode,
		BudgetPeriod:  rec.BudgetPeriodID,
		Stage:         rec.Stage,
		Outcome:       rec.Outcome,
		Reason:        rec.Reason,
		TickersJSON:   datatypes.JSON(tickers),
		StagesJSON:    datatypes.JSON(stages),
		DecisionsJSON: datatypes.JSON(decisions),
		OrderIDsJSON:  datatypes.JSON(orderIDs),
		CostUnits:     rec.CostUnits,
		StartedAtUnix: rec.StartedAt.Unix(),
		EndedAtUnix:   rec.EndedAt.Unix(),
		CreatedAtUnix: now,
		UpdatedAtUnix: now,
	}, nil
}

func cycleModelToRecord(m model.CycleModel) (CycleRecord, error) {
	rec := CycleRecord{
		CycleID:        m.CycleID,
		Trigger:        m.Trigger,
		TestMode:       m.TestMode != 0,
		BudgetPeriodID: m.BudgetPeriod,
		Stage:          m.Stage,
		Outcome:        m.Outcome,
		Reason:         m.Reason,
		CostUnits:      m.CostUnits,
		StartedAt:      time.Unix(m.StartedAtUnix, 0).UTC(),
		EndedAt:        time.Unix(m.EndedAtUnix, 0).UTC(),
	}
	if len(m.TickersJSON) > 0 {
		if err := json.Unmarshal(m.TickersJSON, &rec.Tickers); err != nil {
			return rec, fmt.Errorf("store: cycle %s tickers: %w", m.CycleID, err)
		}
	}
	if len(m.StagesJSON) > 0 {
		if err := json.Unmarshal(m.StagesJSON, &rec.Stages); err != nil {
			return rec, fmt.Errorf("store: cycle %s stages: %w", m.CycleID, err)
		}
	}
	if len(m.DecisionsJSON) > 0 {
		if err := json.Unmarshal(m.DecisionsJSON, &rec.Decisions); err != nil {
			return rec, fmt.Errorf("store: cycle %s decisions: %w", m.CycleID, err)
		}
	}
	if len(m.OrderIDsJSON) > 0 {
		if err := json.Unmarshal(m.OrderIDsJSON, &rec.OrderIDs); err != nil {
			return rec, fmt.Errorf("store: cycle %s orders: %w", m.CycleID, err)
		}
	}
	return rec, nil
}

func newOrderModel(order execution.TradeOrder) model.TradeOrderModel {
	simulated := 0
	if order.Simulated {
		simulated = 1
	}
	return model.TradeOrderModel{
		OrderID:         order.OrderID,
		CycleID:         order.CycleID,
		Ticker:          order.Ticker,
		Action:          string(order.Action),
		Quantity:        order.Quantity,
		Price:           order.Price.String(),
		RequiredFunds:   order.RequiredFunds.String(),
		Status:          string(order.Status),
		Reason:          order.Reason,
		BrokerRef:       order.BrokerRef,
		IsSimulated:     simulated,
		SubmittedAtUnix: order.SubmittedAt.Unix(),
		UpdatedAtUnix:   order.UpdatedAt.Unix(),
	}
}

func orderModelToRecord(m model.TradeOrderModel) execution.TradeOrder {
	return execution.TradeOrder{
		OrderID:       m.OrderID,
		CycleID:       m.CycleID,
		Ticker:        m.Ticker,
		Action:        decision.Action(m.Action),
		Quantity:      m.Quantity,
		Price:         parseDecimal(m.Price),
		RequiredFunds: parseDecimal(m.RequiredFunds),
		Status:        execution.OrderStatus(m.Status),
		Reason:        m.Reason,
		BrokerRef:     m.BrokerRef,
		Simulated:     m.IsSimulated != 0,
		SubmittedAt:   time.Unix(m.SubmittedAtUnix, 0).UTC(),
		UpdatedAt:     time.Unix(m.UpdatedAtUnix, 0).UTC(),
	}
}

func newBudgetPeriodModel(snap budget.PeriodSnapshot) (model.BudgetPeriodModel, error) {
	tiers, err := json.Marshal(snap.TierConsumed)
	if err != nil {
		return model.BudgetPeriodModel{}, err
	}
	closed := 0
	if snap.Closed {
		closed = 1
	}
	return model.BudgetPeriodModel{
		PeriodID:         snap.PeriodID,
		LimitUnits:       snap.LimitCostUnits.String(),
		ConsumedUnits:    snap.ConsumedCostUnits.String(),
		ReservedUnits:    snap.ReservedCostUnits.String(),
		OverrunUnits:     snap.OverrunCostUnits.String(),
		TierConsumedJSON: datatypes.JSON(tiers),
		StartedAtUnix:    snap.StartedAt.Unix(),
		ResetAtUnix:      snap.ResetAt.Unix(),
		Closed:           closed,
		UpdatedAtUnix:    time.Now().Unix(),
	}, nil
}

func budgetPeriodModelToSnapshot(m model.BudgetPeriodModel) (budget.PeriodSnapshot, error) {
	snap := budget.PeriodSnapshot{
		PeriodID:          m.PeriodID,
		LimitCostUnits:    parseDecimal(m.LimitUnits),
		ConsumedCostUnits: parseDecimal(m.ConsumedUnits),
		ReservedCostUnits: parseDecimal(m.ReservedUnits),
		OverrunCostUnits:  parseDecimal(m.OverrunUnits),
		StartedAt:         time.Unix(m.StartedAtUnix, 0).UTC(),
		ResetAt:           time.Unix(m.ResetAtUnix, 0).UTC(),
		Closed:            m.Closed != 0,
	}
	if len(m.TierConsumedJSON) > 0 {
		if err := json.Unmarshal(m.TierConsumedJSON, &snap.TierConsumed); err != nil {
			return snap, fmt.Errorf("store: period %s tiers: %w", m.PeriodID, err)
		}
	}
	return snap, nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}
