package model

import (
	"gorm.io/datatypes"
)

type CycleModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	CycleID       string         `gorm:"column:cycle_id;uniqueIndex"`
	Trigger       string         `gorm:"column:trigger"`
	TestMode      int            `gorm:"column:test_mode"`
	BudgetPeriod  string         `gorm:"column:budget_period_id;index"`
	Stage         string         `gorm:"column:stage"`
	Outcome       string         `gorm:"column:outcome"`
	Reason        string         `gorm:"column:reason"`
	TickersJSON   datatypes.JSON `gorm:"column:tickers_json;type:TEXT"`
	StagesJSON    datatypes.JSON `gorm:"column:stages_json;type:TEXT"`
	DecisionsJSON datatypes.JSON `gorm:"column:decisions_json;type:TEXT"`
	OrderIDsJSON  datatypes.JSON `gorm:"column:order_ids_json;type:TEXT"`
	CostUnits     float64        `gorm:"column:cost_units"`
	StartedAtUnix int64          `gorm:"column:started_at;index"`
	EndedAtUnix   int64          `gorm:"column:ended_at"`
	CreatedAtUnix int64          `gorm:"column:created_at"`
	UpdatedAtUnix int64          `gorm:"column:updated_at"`
}

func (CycleModel) TableName() string { return "cycles" }

type TradeOrderModel struct {
	ID              int64   `gorm:"column:id;primaryKey"`
	OrderID         string  `gorm:"column:order_id;uniqueIndex"`
	CycleID         string  `gorm:"column:cycle_id;index"`
	Ticker          string  `gorm:"column:ticker"`
	Action          string  `gorm:"column:action"`
	Quantity        float64 `gorm:"column:quantity"`
	Price           string  `gorm:"column:price"`
	RequiredFunds   string  `gorm:"column:required_funds"`
	Status          string  `gorm:"column:status"`
	Reason          string  `gorm:"column:reason"`
	BrokerRef       string  `gorm:"column:broker_ref"`
	IsSimulated     int     `gorm:"column:is_simulated"`
	SubmittedAtUnix int64   `gorm:"column:submitted_at"`
	UpdatedAtUnix   int64   `gorm:"column:updated_at"`
}

func (TradeOrderModel) TableName() string { return "trade_orders" }

type BudgetPeriodModel struct {
	ID               int64          `gorm:"column:id;primaryKey"`
	PeriodID         string         `gorm:"column:period_id;uniqueIndex"`
	LimitUnits       string         `gorm:"column:limit_units"`
	ConsumedUnits    string         `gorm:"column:consumed_units"`
	ReservedUnits    string         `gorm:"column:reserved_units"`
	OverrunUnits     string         `gorm:"column:overrun_units"`
	TierConsumedJSON datatypes.JSON `gorm:"column:tier_consumed_json;type:TEXT"`
	StartedAtUnix    int64          `gorm:"column:started_at"`
	ResetAtUnix      int64          `gorm:"column:reset_at"`
	Closed           int            `gorm:"column:closed"`
	UpdatedAtUnix    int64          `gorm:"column:updated_at"`
}

func (BudgetPeriodModel) TableName() string { return "budget_periods" }
