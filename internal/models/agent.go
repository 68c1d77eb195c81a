package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// JobStatus is the lifecycle state of an agent job
type JobStatus string

const (
	JobIdle     JobStatus = "idle"
	JobRunning  JobStatus = "running"
	JobStopping JobStatus = "stopping"
)

// AmountMode selects how the order size of an agent trade is chosen
type AmountMode string

const (
	AmountFixed AmountMode = "fixed"
	AmountMax   AmountMode = "max"
)

// AgentConfig is the user supplied configuration of an agent job
type AgentConfig struct {
	Symbol              string          `gorm:"size:20" json:"symbol"`
	Interval            string          `gorm:"size:10" json:"interval"`
	Strategy            Strategy        `gorm:"size:20" json:"strategy"`
	CustomPrompt        string          `gorm:"type:text" json:"custom_prompt"`
	MarketType          MarketType      `gorm:"size:10" json:"market_type"`
	IntervalSec         int             `json:"interval_sec"`
	TradeEnabled        bool            `json:"trade_enabled"`
	OrderAmount         decimal.Decimal `gorm:"type:decimal(30,12)" json:"order_amount"`
	OrderAmountMode     AmountMode      `gorm:"size:10" json:"order_amount_mode"`
	MaxOpenPositions    int             `json:"max_open_positions"`
	MinTradeIntervalSec int             `json:"min_trade_interval_sec"`
	SingleTradeIfMax    bool            `json:"single_trade_if_max"`
	Leverage            int             `json:"leverage"`
	Model               string          `gorm:"size:40" json:"model"`
}

// AgentJob is the persisted state of a user's background agent.
// There is at most one row per user; stopping moves it to idle.
type AgentJob struct {
	ID             uint        `gorm:"primaryKey" json:"id"`
	UserID         uint        `gorm:"uniqueIndex;not null" json:"user_id"`
	Status         JobStatus   `gorm:"size:10;not null;index" json:"status"`
	RunID          string      `gorm:"size:36" json:"run_id"`
	Config         AgentConfig `gorm:"embedded;embeddedPrefix:cfg_" json:"config"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	StoppedAt      *time.Time  `json:"stopped_at,omitempty"`
	LastRunAt      *time.Time  `json:"last_run_at,omitempty"`
	LastBuyAt      *time.Time  `json:"last_buy_at,omitempty"`
	LastSellAt     *time.Time  `json:"last_sell_at,omitempty"`
	LastAnalysisID *uint       `json:"last_analysis_id,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

func (AgentJob) TableName() string {
	return "agent_jobs"
}

// LogType classifies agent log entries
type LogType string

const (
	LogInfo   LogType = "log"
	LogResult LogType = "result"
	LogTrade  LogType = "trade"
	LogSkip   LogType = "skip"
	LogError  LogType = "error"
)

// MaxLogMessage bounds the stored length of a log message
const MaxLogMessage = 500

// AgentLog is one entry of the bounded per-user agent log
type AgentLog struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	UserID     uint      `gorm:"index:idx_agent_log_user;not null" json:"-"`
	RunID      string    `gorm:"size:36" json:"run_id,omitempty"`
	Type       LogType   `gorm:"size:10;not null" json:"log_type"`
	Message    string    `gorm:"size:500;not null" json:"message"`
	AnalysisID *uint     `json:"analysis_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (AgentLog) TableName() string {
	return "agent_logs"
}

// AgentStatus is the polling snapshot of a user's agent
type AgentStatus struct {
	IsRunning    bool       `json:"is_running"`
	Job          *AgentJob  `json:"job"`
	Logs         []AgentLog `json:"logs"`
	LastAnalysis *Analysis  `json:"last_analysis"`
}
