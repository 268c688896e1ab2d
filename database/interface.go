package database

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

// Database 数据库接口
type Database interface {
	// 策略配置
	SaveStrategy(ctx context.Context, cfg *StrategyConfig) error
	GetStrategy(ctx context.Context, id int64) (*StrategyConfig, error)
	ListStrategies(ctx context.Context, filter *StrategyFilter) ([]*StrategyConfig, error)
	DeleteStrategy(ctx context.Context, id int64) error

	// 回测记录
	SaveRun(ctx context.Context, run *RunRecord, trades []*TradeRecord) error
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	ListRuns(ctx context.Context, filter *RunFilter) ([]*RunRecord, error)
	GetRunTrades(ctx context.Context, runID string) ([]*TradeRecord, error)

	// 事件记录
	SaveEvent(ctx context.Context, event *EventRecord) error
	GetEvents(ctx context.Context, filter *EventFilter) ([]*EventRecord, error)
	CleanupOldEvents(ctx context.Context, severity string, keepCount int, keepDays int) error

	// 健康检查
	Ping(ctx context.Context) error

	// 关闭连接
	Close() error
}

// 数据模型

// StrategyConfig 保存的策略配置
type StrategyConfig struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name        string    `gorm:"uniqueIndex;size:100" json:"name"`
	Kind        string    `gorm:"index;size:30" json:"kind"`
	Parameters  string    `gorm:"type:text" json:"parameters"` // JSON 参数表
	Description string    `gorm:"type:text" json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// RunRecord 回测运行记录
type RunRecord struct {
	ID             int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID          string     `gorm:"uniqueIndex;size:64" json:"runId"`
	Symbols        string     `gorm:"size:500" json:"symbols"` // 逗号分隔
	StrategyKind   string     `gorm:"index;size:30" json:"strategyKind"`
	State          string     `gorm:"index;size:20" json:"state"`
	ErrorKind      string     `gorm:"size:30" json:"errorKind,omitempty"`
	Error          string     `gorm:"type:text" json:"error,omitempty"`
	InitialCapital float64    `json:"initialCapital"`
	FinalCapital   float64    `json:"finalCapital"`
	TotalReturnPct float64    `json:"totalReturnPct"`
	SharpeRatio    float64    `json:"sharpeRatio"`
	MaxDrawdownPct float64    `json:"maxDrawdownPct"`
	WinRatePct     float64    `json:"winRatePct"`
	TotalTrades    int        `json:"totalTrades"`
	Request        string     `gorm:"type:text" json:"request"` // JSON
	Result         string     `gorm:"type:text" json:"result"`  // JSON
	StartedAt      time.Time  `json:"startedAt"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
	CreatedAt      time.Time  `gorm:"index" json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// TradeRecord 回测成交记录
type TradeRecord struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID      string    `gorm:"index:idx_run_entry;size:64" json:"runId"`
	Symbol     string    `gorm:"size:50" json:"symbol"`
	Action     string    `gorm:"size:10" json:"action"` // BUY, SELL
	EntryDate  time.Time `gorm:"index:idx_run_entry" json:"entryDate"`
	EntryPrice float64   `json:"entryPrice"`
	ExitDate   time.Time `json:"exitDate"`
	ExitPrice  float64   `json:"exitPrice"`
	Quantity   float64   `json:"quantity"`
	Fee        float64   `json:"fee"`
	PnL        float64   `json:"pnl"`
	ReturnPct  float64   `json:"returnPct"`
}

// EventRecord 事件记录
type EventRecord struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Type      string    `gorm:"index;size:50" json:"type"`
	Severity  string    `gorm:"index;size:20" json:"severity"`
	Source    string    `gorm:"size:50" json:"source"`
	RunID     string    `gorm:"index;size:64" json:"runId"`
	Title     string    `gorm:"size:200" json:"title"`
	Message   string    `gorm:"type:text" json:"message"`
	Details   string    `gorm:"type:text" json:"details"`
	CreatedAt time.Time `gorm:"index" json:"createdAt"`
}

// 过滤器

// StrategyFilter 策略过滤器
type StrategyFilter struct {
	Kind   string
	Limit  int
	Offset int
}

// RunFilter 回测记录过滤器
type RunFilter struct {
	State        string
	StrategyKind string
	StartTime    *time.Time
	EndTime      *time.Time
	Limit        int
	Offset       int
}

// EventFilter 事件过滤器
type EventFilter struct {
	Type      string
	Severity  string
	RunID     string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}
