package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormDatabase GORM 数据库实现
type GormDatabase struct {
	db *gorm.DB
}

// DBConfig 数据库配置
type DBConfig struct {
	Type            string        // sqlite, postgres, mysql
	DSN             string        // 数据源名称
	MaxOpenConns    int           // 最大打开连接数
	MaxIdleConns    int           // 最大空闲连接数
	ConnMaxLifetime time.Duration // 连接最大生命周期
	LogLevel        string        // 日志级别: silent, error, warn, info
}

// NewGormDatabase 创建 GORM 数据库实例
func NewGormDatabase(config *DBConfig) (*GormDatabase, error) {
	var dialector gorm.Dialector

	switch config.Type {
	case "sqlite":
		dialector = sqlite.Open(config.DSN)
	case "postgres", "postgresql":
		dialector = postgres.Open(config.DSN)
	case "mysql":
		dialector = mysql.Open(config.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}

	// 日志级别
	logLevel := logger.Silent
	switch config.LogLevel {
	case "error":
		logLevel = logger.Error
	case "warn":
		logLevel = logger.Warn
	case "info":
		logLevel = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	// 配置连接池
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(
		&StrategyConfig{},
		&RunRecord{},
		&TradeRecord{},
		&EventRecord{},
	); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}

	return &GormDatabase{db: db}, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// SaveStrategy 保存策略（ID 为 0 时新建，否则更新）
func (g *GormDatabase) SaveStrategy(ctx context.Context, cfg *StrategyConfig) error {
	if cfg.ID == 0 {
		return g.db.WithContext(ctx).Create(cfg).Error
	}
	return g.db.WithContext(ctx).Save(cfg).Error
}

// GetStrategy 获取策略
func (g *GormDatabase) GetStrategy(ctx context.Context, id int64) (*StrategyConfig, error) {
	var cfg StrategyConfig
	if err := g.db.WithContext(ctx).First(&cfg, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &cfg, nil
}

// ListStrategies 列出策略
func (g *GormDatabase) ListStrategies(ctx context.Context, filter *StrategyFilter) ([]*StrategyConfig, error) {
	query := g.db.WithContext(ctx).Model(&StrategyConfig{})

	if filter != nil {
		if filter.Kind != "" {
			query = query.Where("kind = ?", filter.Kind)
		}
		if filter.Limit > 0 {
			query = query.Limit(filter.Limit)
		}
		if filter.Offset > 0 {
			query = query.Offset(filter.Offset)
		}
	}

	var configs []*StrategyConfig
	if err := query.Order("updated_at DESC").Find(&configs).Error; err != nil {
		return nil, err
	}
	return configs, nil
}

// DeleteStrategy 删除策略
func (g *GormDatabase) DeleteStrategy(ctx context.Context, id int64) error {
	result := g.db.WithContext(ctx).Delete(&StrategyConfig{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveRun 保存回测记录（按 RunID 覆盖），trades 非空时整体替换该回测的成交
func (g *GormDatabase) SaveRun(ctx context.Context, run *RunRecord, trades []*TradeRecord) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}},
			UpdateAll: true,
		}).Create(run).Error; err != nil {
			return fmt.Errorf("保存回测记录失败: %w", err)
		}

		if len(trades) == 0 {
			return nil
		}
		if err := tx.Where("run_id = ?", run.RunID).Delete(&TradeRecord{}).Error; err != nil {
			return fmt.Errorf("清理旧成交失败: %w", err)
		}
		for _, t := range trades {
			t.RunID = run.RunID
		}
		if err := tx.CreateInBatches(trades, 100).Error; err != nil {
			return fmt.Errorf("保存成交失败: %w", err)
		}
		return nil
	})
}

// GetRun 获取回测记录
func (g *GormDatabase) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	var run RunRecord
	if err := g.db.WithContext(ctx).Where("run_id = ?", runID).First(&run).Error; err != nil {
		return nil, notFound(err)
	}
	return &run, nil
}

// ListRuns 列出回测记录（不含结果大字段）
func (g *GormDatabase) ListRuns(ctx context.Context, filter *RunFilter) ([]*RunRecord, error) {
	query := g.db.WithContext(ctx).Model(&RunRecord{}).Omit("result")

	if filter != nil {
		if filter.State != "" {
			query = query.Where("state = ?", filter.State)
		}
		if filter.StrategyKind != "" {
			query = query.Where("strategy_kind = ?", filter.StrategyKind)
		}
		if filter.StartTime != nil {
			query = query.Where("created_at >= ?", filter.StartTime)
		}
		if filter.EndTime != nil {
			query = query.Where("created_at <= ?", filter.EndTime)
		}
		if filter.Limit > 0 {
			query = query.Limit(filter.Limit)
		}
		if filter.Offset > 0 {
			query = query.Offset(filter.Offset)
		}
	}

	var runs []*RunRecord
	if err := query.Order("created_at DESC").Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// GetRunTrades 获取回测成交，按开仓时间排序
func (g *GormDatabase) GetRunTrades(ctx context.Context, runID string) ([]*TradeRecord, error) {
	var trades []*TradeRecord
	if err := g.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("entry_date ASC, id ASC").
		Find(&trades).Error; err != nil {
		return nil, err
	}
	return trades, nil
}

// Ping 健康检查
func (g *GormDatabase) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭连接
func (g *GormDatabase) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveEvent 保存事件记录
func (g *GormDatabase) SaveEvent(ctx context.Context, event *EventRecord) error {
	return g.db.WithContext(ctx).Create(event).Error
}

// GetEvents 获取事件记录
func (g *GormDatabase) GetEvents(ctx context.Context, filter *EventFilter) ([]*EventRecord, error) {
	query := g.db.WithContext(ctx).Model(&EventRecord{})

	if filter != nil {
		if filter.Type != "" {
			query = query.Where("type = ?", filter.Type)
		}
		if filter.Severity != "" {
			query = query.Where("severity = ?", filter.Severity)
		}
		if filter.RunID != "" {
			query = query.Where("run_id = ?", filter.RunID)
		}
		if filter.StartTime != nil {
			query = query.Where("created_at >= ?", filter.StartTime)
		}
		if filter.EndTime != nil {
			query = query.Where("created_at <= ?", filter.EndTime)
		}
		if filter.Limit > 0 {
			query = query.Limit(filter.Limit)
		}
		if filter.Offset > 0 {
			query = query.Offset(filter.Offset)
		}
	}

	var events []*EventRecord
	if err := query.Order("created_at DESC").Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// CleanupOldEvents 清理旧事件：先按天数，再按数量只保留最新 keepCount 条
func (g *GormDatabase) CleanupOldEvents(ctx context.Context, severity string, keepCount int, keepDays int) error {
	if keepDays > 0 {
		cutoffDate := time.Now().AddDate(0, 0, -keepDays)
		if err := g.db.WithContext(ctx).
			Where("severity = ? AND created_at < ?", severity, cutoffDate).
			Delete(&EventRecord{}).Error; err != nil {
			return err
		}
	}

	if keepCount <= 0 {
		return nil
	}

	var count int64
	if err := g.db.WithContext(ctx).Model(&EventRecord{}).Where("severity = ?", severity).Count(&count).Error; err != nil {
		return err
	}
	if int(count) <= keepCount {
		return nil
	}

	// 需要保留的最老记录的 ID
	var ids []int64
	if err := g.db.WithContext(ctx).Model(&EventRecord{}).
		Where("severity = ?", severity).
		Order("id DESC").
		Limit(1).
		Offset(keepCount-1).
		Pluck("id", &ids).Error; err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	return g.db.WithContext(ctx).
		Where("severity = ? AND id < ?", severity, ids[0]).
		Delete(&EventRecord{}).Error
}
