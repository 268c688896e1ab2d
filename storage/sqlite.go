package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"quantbench/exchange"
)

// SQLiteCandleCache SQLite K线缓存
type SQLiteCandleCache struct {
	db   *sql.DB
	path string
}

// NewSQLiteCandleCache 在 dir 下创建 candles.db
func NewSQLiteCandleCache(dir string) (*SQLiteCandleCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("创建缓存目录失败: %w", err)
	}
	path := filepath.Join(dir, "candles.db")

	// 使用 WAL 模式提高并发性能
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite 并发限制
	db.SetMaxIdleConns(1)

	if err := createCacheTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("创建表失败: %w", err)
	}
	return &SQLiteCandleCache{db: db, path: path}, nil
}

func createCacheTables(db *sql.DB) error {
	entriesSQL := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		name TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		interval TEXT NOT NULL,
		start_time TIMESTAMP,
		end_time TIMESTAMP,
		candle_count INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL
	);`

	candlesSQL := `
	CREATE TABLE IF NOT EXISTS cached_candles (
		cache_name TEXT NOT NULL,
		ts INTEGER NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume REAL NOT NULL,
		PRIMARY KEY (cache_name, ts)
	);`

	for _, stmt := range []string{entriesSQL, candlesSQL} {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteCandleCache) Name() string {
	return "sqlite"
}

// Load 读取缓存
func (s *SQLiteCandleCache) Load(ctx context.Context, key CacheKey) ([]exchange.Candle, error) {
	name := key.String()

	var count int
	err := s.db.QueryRowContext(ctx, `SELECT candle_count FROM cache_entries WHERE name = ?`, name).Scan(&count)
	if err == sql.ErrNoRows {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("查询缓存失败: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, open, high, low, close, volume FROM cached_candles
		WHERE cache_name = ? ORDER BY ts`, name)
	if err != nil {
		return nil, fmt.Errorf("查询K线失败: %w", err)
	}
	defer rows.Close()

	candles := make([]exchange.Candle, 0, count)
	for rows.Next() {
		var ms int64
		var c exchange.Candle
		if err := rows.Scan(&ms, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("扫描K线失败: %w", err)
		}
		c.Timestamp = time.UnixMilli(ms).UTC()
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return candles, nil
}

// Save 覆盖写入缓存
func (s *SQLiteCandleCache) Save(ctx context.Context, key CacheKey, candles []exchange.Candle) error {
	name := key.String()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cached_candles WHERE cache_name = ?`, name); err != nil {
		return fmt.Errorf("清理旧缓存失败: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO cached_candles (cache_name, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("准备语句失败: %w", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx, name, c.Timestamp.UnixMilli(), c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			return fmt.Errorf("写入K线失败: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO cache_entries (name, symbol, interval, start_time, end_time, candle_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		name, key.Symbol, key.Interval, key.Start.UTC(), key.End.UTC(), len(candles), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("写入缓存索引失败: %w", err)
	}

	return tx.Commit()
}

// Delete 删除指定缓存
func (s *SQLiteCandleCache) Delete(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("删除缓存失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrCacheMiss, name)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cached_candles WHERE cache_name = ?`, name); err != nil {
		return fmt.Errorf("删除K线失败: %w", err)
	}
	return tx.Commit()
}

// List 列出缓存，SizeBytes 按每根K线估算
func (s *SQLiteCandleCache) List(ctx context.Context) ([]CacheInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, symbol, interval, start_time, end_time, candle_count, created_at
		FROM cache_entries ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("查询缓存列表失败: %w", err)
	}
	defer rows.Close()

	infos := make([]CacheInfo, 0)
	for rows.Next() {
		info := CacheInfo{Backend: "sqlite"}
		if err := rows.Scan(&info.Name, &info.Symbol, &info.Interval, &info.Start, &info.End, &info.Candles, &info.Created); err != nil {
			return nil, fmt.Errorf("扫描缓存失败: %w", err)
		}
		info.SizeBytes = int64(info.Candles) * 56
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (s *SQLiteCandleCache) Stats(ctx context.Context) (CacheStats, error) {
	infos, err := s.List(ctx)
	if err != nil {
		return CacheStats{}, err
	}
	return buildStats("sqlite", infos), nil
}

// Clear 清空缓存
func (s *SQLiteCandleCache) Clear(ctx context.Context) error {
	for _, stmt := range []string{`DELETE FROM cached_candles`, `DELETE FROM cache_entries`} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("清空缓存失败: %w", err)
		}
	}
	return nil
}

// Close 关闭数据库
func (s *SQLiteCandleCache) Close() error {
	return s.db.Close()
}
