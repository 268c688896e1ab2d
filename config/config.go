package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config 回测引擎配置
type Config struct {
	// 应用配置
	App struct {
		Name        string `yaml:"name"`
		Environment string `yaml:"environment"` // dev / prod
	} `yaml:"app"`

	System struct {
		LogLevel string `yaml:"log_level"` // DEBUG / INFO / WARN / ERROR
		Timezone string `yaml:"timezone"`  // 报告与日志时区，默认 UTC
		LogDir   string `yaml:"log_dir"`
	} `yaml:"system"`

	Backtest        BacktestConfig        `yaml:"backtest"`
	DataSource      DataSourceConfig      `yaml:"data_source"`
	Cache           CacheConfig           `yaml:"cache"`
	Database        DatabaseConfig        `yaml:"database"`
	DistributedLock DistributedLockConfig `yaml:"distributed_lock"`
	Notifications   NotificationsConfig   `yaml:"notifications"`
	Events          EventsConfig          `yaml:"events"`
	Web             WebConfig             `yaml:"web"`
}

// BacktestConfig 回测默认参数与并发控制
type BacktestConfig struct {
	DefaultInterval   string  `yaml:"default_interval"`
	HoldingPeriod     int     `yaml:"holding_period"` // 持仓K线数
	FeePerTrade       float64 `yaml:"fee_per_trade"`
	PortfolioMode     string  `yaml:"portfolio_mode"` // independent / shared
	FetchConcurrency  int     `yaml:"fetch_concurrency"`
	MaxConcurrentRuns int     `yaml:"max_concurrent_runs"`
	RunTimeoutSeconds int     `yaml:"run_timeout_seconds"`
	KeepFinished      int     `yaml:"keep_finished"` // 内存中保留的已结束回测数
	LockTTLSeconds    int     `yaml:"lock_ttl_seconds"`
	ReportDir         string  `yaml:"report_dir"`
}

// DataSourceConfig 历史数据源配置
type DataSourceConfig struct {
	Provider string `yaml:"provider"` // binance / alpaca / csv
	CSVDir   string `yaml:"csv_dir"`

	Binance struct {
		APIKey    string  `yaml:"api_key"`
		SecretKey string  `yaml:"secret_key"`
		Testnet   bool    `yaml:"testnet"`
		BaseURL   string  `yaml:"base_url"`
		RateLimit float64 `yaml:"rate_limit"` // 每秒请求数
		Burst     int     `yaml:"burst"`
	} `yaml:"binance"`

	Alpaca struct {
		APIKey        string `yaml:"api_key"`
		APISecret     string `yaml:"api_secret"`
		DataURL       string `yaml:"data_url"`
		Feed          string `yaml:"feed"` // iex / sip
		RatePerMinute int    `yaml:"rate_per_minute"`
	} `yaml:"alpaca"`
}

// CacheConfig K线缓存配置
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Backend string `yaml:"backend"` // csv / parquet / sqlite
	Dir     string `yaml:"dir"`
}

// DatabaseConfig 数据库配置（策略与回测历史）
type DatabaseConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Type            string `yaml:"type"` // sqlite / postgres / mysql
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // 秒
	LogLevel        string `yaml:"log_level"`
}

// DistributedLockConfig 分布式锁配置
type DistributedLockConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Type       string `yaml:"type"` // redis / local
	Prefix     string `yaml:"prefix"`
	DefaultTTL int    `yaml:"default_ttl"` // 秒

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`
}

// NotificationsConfig 通知配置
type NotificationsConfig struct {
	Enabled         bool `yaml:"enabled"`
	NotifyOnSuccess bool `yaml:"notify_on_success"` // 回测完成也通知

	Webhook struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
		Timeout int    `yaml:"timeout"` // 秒
	} `yaml:"webhook"`

	Slack struct {
		Enabled    bool   `yaml:"enabled"`
		WebhookURL string `yaml:"webhook_url"`
	} `yaml:"slack"`

	Kafka struct {
		Enabled bool     `yaml:"enabled"`
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`
}

// EventsConfig 事件中心配置
type EventsConfig struct {
	Enabled         bool `yaml:"enabled"`
	BufferSize      int  `yaml:"buffer_size"`
	CleanupInterval int  `yaml:"cleanup_interval"` // 小时

	Retention struct {
		CriticalDays     int `yaml:"critical_days"`
		WarningDays      int `yaml:"warning_days"`
		InfoDays         int `yaml:"info_days"`
		CriticalMaxCount int `yaml:"critical_max_count"`
		WarningMaxCount  int `yaml:"warning_max_count"`
		InfoMaxCount     int `yaml:"info_max_count"`
	} `yaml:"retention"`
}

// WebConfig Web 服务配置
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Addr 监听地址
func (w WebConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return LoadConfigFromBytes(data)
}

// LoadConfigFromBytes 从字节数组加载配置
func LoadConfigFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &cfg, nil
}

// SaveConfig 保存配置到文件
func SaveConfig(cfg *Config, configPath string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("配置验证失败: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	if dir := filepath.Dir(configPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("创建配置目录失败: %w", err)
		}
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("写入配置文件失败: %w", err)
	}

	return nil
}

// CreateDefaultConfig 创建默认配置：CSV 数据源、SQLite 数据库、进程内锁
func CreateDefaultConfig() *Config {
	cfg := &Config{}
	cfg.App.Name = "quantbench"
	cfg.App.Environment = "dev"

	cfg.DataSource.Provider = "csv"
	cfg.DataSource.CSVDir = "./data/candles"

	cfg.Cache.Enabled = true
	cfg.Database.Enabled = true
	cfg.Events.Enabled = true
	cfg.Web.Enabled = true

	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults 为未设置的字段填充默认值
func (c *Config) ApplyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "quantbench"
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.System.Timezone == "" {
		c.System.Timezone = "UTC"
	}

	b := &c.Backtest
	if b.DefaultInterval == "" {
		b.DefaultInterval = "1d"
	}
	if b.HoldingPeriod <= 0 {
		b.HoldingPeriod = 10
	}
	if b.PortfolioMode == "" {
		b.PortfolioMode = "independent"
	}
	if b.FetchConcurrency <= 0 {
		b.FetchConcurrency = 1
	}
	if b.MaxConcurrentRuns <= 0 {
		b.MaxConcurrentRuns = 4
	}
	if b.RunTimeoutSeconds <= 0 {
		b.RunTimeoutSeconds = 600
	}
	if b.KeepFinished <= 0 {
		b.KeepFinished = 100
	}
	if b.LockTTLSeconds <= 0 {
		b.LockTTLSeconds = 30
	}
	if b.ReportDir == "" {
		b.ReportDir = "./reports"
	}

	if c.DataSource.Provider == "" {
		c.DataSource.Provider = "binance"
	}
	if c.DataSource.Alpaca.Feed == "" {
		c.DataSource.Alpaca.Feed = "iex"
	}

	if c.Cache.Backend == "" {
		c.Cache.Backend = "csv"
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = "./data/cache"
	}

	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Type == "sqlite" {
		c.Database.DSN = "./data/quantbench.db"
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime <= 0 {
		c.Database.ConnMaxLifetime = 3600
	}

	if c.DistributedLock.Type == "" {
		c.DistributedLock.Type = "local"
	}
	if c.DistributedLock.Prefix == "" {
		c.DistributedLock.Prefix = "quantbench:"
	}
	if c.DistributedLock.DefaultTTL <= 0 {
		c.DistributedLock.DefaultTTL = 30
	}
	if c.DistributedLock.Redis.Addr == "" {
		c.DistributedLock.Redis.Addr = "localhost:6379"
	}
	if c.DistributedLock.Redis.PoolSize <= 0 {
		c.DistributedLock.Redis.PoolSize = 10
	}

	if c.Notifications.Webhook.Timeout <= 0 {
		c.Notifications.Webhook.Timeout = 3
	}
	if c.Notifications.Kafka.Topic == "" {
		c.Notifications.Kafka.Topic = "quantbench.backtest.events"
	}

	e := &c.Events
	if e.BufferSize <= 0 {
		e.BufferSize = 1000
	}
	if e.CleanupInterval <= 0 {
		e.CleanupInterval = 24
	}
	if e.Retention.CriticalDays <= 0 {
		e.Retention.CriticalDays = 90
	}
	if e.Retention.WarningDays <= 0 {
		e.Retention.WarningDays = 30
	}
	if e.Retention.InfoDays <= 0 {
		e.Retention.InfoDays = 7
	}
	if e.Retention.CriticalMaxCount <= 0 {
		e.Retention.CriticalMaxCount = 1000
	}
	if e.Retention.WarningMaxCount <= 0 {
		e.Retention.WarningMaxCount = 1000
	}
	if e.Retention.InfoMaxCount <= 0 {
		e.Retention.InfoMaxCount = 1000
	}

	if c.Web.Host == "" {
		c.Web.Host = "0.0.0.0"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 28888
	}
}

// Validate 验证配置（会先填充默认值）
func (c *Config) Validate() error {
	c.ApplyDefaults()

	switch strings.ToUpper(c.System.LogLevel) {
	case "DEBUG", "INFO", "WARN", "WARNING", "ERROR", "FATAL":
	default:
		return fmt.Errorf("不支持的日志级别: %s", c.System.LogLevel)
	}

	b := c.Backtest
	if b.FeePerTrade < 0 {
		return fmt.Errorf("backtest.fee_per_trade 不能为负数")
	}
	if b.PortfolioMode != "independent" && b.PortfolioMode != "shared" {
		return fmt.Errorf("不支持的资金模式: %s (可选 independent / shared)", b.PortfolioMode)
	}

	switch c.DataSource.Provider {
	case "binance", "alpaca":
	case "csv":
		if c.DataSource.CSVDir == "" {
			return fmt.Errorf("csv 数据源必须指定 data_source.csv_dir")
		}
	default:
		return fmt.Errorf("不支持的数据源: %s", c.DataSource.Provider)
	}
	if c.DataSource.Provider == "alpaca" && (c.DataSource.Alpaca.APIKey == "" || c.DataSource.Alpaca.APISecret == "") {
		return fmt.Errorf("alpaca 数据源的 API 配置不完整")
	}

	switch c.Cache.Backend {
	case "csv", "parquet", "sqlite":
	default:
		return fmt.Errorf("不支持的缓存后端: %s", c.Cache.Backend)
	}

	if c.Database.Enabled {
		switch c.Database.Type {
		case "sqlite", "postgres", "postgresql", "mysql":
		default:
			return fmt.Errorf("不支持的数据库类型: %s", c.Database.Type)
		}
		if c.Database.DSN == "" {
			return fmt.Errorf("数据库 %s 必须指定 dsn", c.Database.Type)
		}
	}

	if c.DistributedLock.Enabled && c.DistributedLock.Type != "redis" && c.DistributedLock.Type != "local" {
		return fmt.Errorf("不支持的分布式锁类型: %s", c.DistributedLock.Type)
	}

	n := c.Notifications
	if n.Webhook.Enabled && n.Webhook.URL == "" {
		return fmt.Errorf("启用 webhook 通知时必须指定 url")
	}
	if n.Slack.Enabled && n.Slack.WebhookURL == "" {
		return fmt.Errorf("启用 slack 通知时必须指定 webhook_url")
	}
	if n.Kafka.Enabled && len(n.Kafka.Brokers) == 0 {
		return fmt.Errorf("启用 kafka 通知时必须指定 brokers")
	}

	if c.Web.Port < 1 || c.Web.Port > 65535 {
		return fmt.Errorf("web 端口无效: %d", c.Web.Port)
	}

	return nil
}
