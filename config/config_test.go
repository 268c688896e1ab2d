package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func createValidConfig() *Config {
	cfg := CreateDefaultConfig()
	cfg.Database.DSN = "./test_data/quantbench.db"
	return cfg
}

func TestConfigValidate(t *testing.T) {
	cfg := createValidConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("有效配置验证失败: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"未知数据源", func(c *Config) { c.DataSource.Provider = "yahoo" }},
		{"csv 缺少目录", func(c *Config) { c.DataSource.CSVDir = "" }},
		{"负手续费", func(c *Config) { c.Backtest.FeePerTrade = -1 }},
		{"未知资金模式", func(c *Config) { c.Backtest.PortfolioMode = "leveraged" }},
		{"未知缓存后端", func(c *Config) { c.Cache.Backend = "redis" }},
		{"未知数据库", func(c *Config) { c.Database.Type = "oracle" }},
		{"webhook 缺少 url", func(c *Config) { c.Notifications.Webhook.Enabled = true }},
		{"kafka 缺少 brokers", func(c *Config) { c.Notifications.Kafka.Enabled = true }},
		{"端口越界", func(c *Config) { c.Web.Port = 70000 }},
		{"日志级别", func(c *Config) { c.System.LogLevel = "VERBOSE" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := createValidConfig()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Errorf("%s 应该报错", tt.name)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg, err := LoadConfigFromBytes([]byte("data_source:\n  provider: binance\n"))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if cfg.Backtest.HoldingPeriod != 10 {
		t.Errorf("默认持仓周期 = %d, 期望 10", cfg.Backtest.HoldingPeriod)
	}
	if cfg.Backtest.DefaultInterval != "1d" || cfg.Backtest.PortfolioMode != "independent" {
		t.Errorf("回测默认值错误: %+v", cfg.Backtest)
	}
	if cfg.Cache.Backend != "csv" || cfg.DistributedLock.Type != "local" {
		t.Errorf("缓存/锁默认值错误: %s %s", cfg.Cache.Backend, cfg.DistributedLock.Type)
	}
	if cfg.Web.Addr() != "0.0.0.0:28888" {
		t.Errorf("默认监听地址 = %s", cfg.Web.Addr())
	}
}

func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")

	cfg := createValidConfig()
	cfg.Backtest.FeePerTrade = 1.5
	cfg.Notifications.Kafka.Brokers = []string{"localhost:9092"}
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("保存配置失败: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if diff := DiffConfig(cfg, loaded); diff.HasChanges() {
		t.Errorf("往返后配置不一致: %v", diff.Paths())
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("不存在的文件应该报错")
	}
}

func TestConfigDiff(t *testing.T) {
	oldCfg := createValidConfig()
	newCfg := createValidConfig()

	if diff := DiffConfig(oldCfg, newCfg); len(diff.Changes) != 0 {
		t.Errorf("预期无变更，得到 %d 个", len(diff.Changes))
	}

	newCfg.Backtest.HoldingPeriod = 5
	diff := DiffConfig(oldCfg, newCfg)
	if len(diff.Changes) != 1 || diff.Changes[0].Path != "backtest.holding_period" {
		t.Fatalf("预期 1 个 backtest.holding_period 变更，得到 %+v", diff.Changes)
	}
	if diff.RequiresRestart {
		t.Error("修改 holding_period 不应需要重启")
	}

	newCfg.Web.Port = 9999
	newCfg.Notifications.Kafka.Brokers = []string{"a:9092"}
	diff = DiffConfig(oldCfg, newCfg)
	if !diff.RequiresRestart {
		t.Error("修改 web.port 应该标记为需要重启")
	}
	found := map[string]bool{}
	for _, c := range diff.Changes {
		found[c.Path] = c.RequiresRestart
	}
	if !found["web.port"] || !found["notifications.kafka.brokers"] {
		t.Errorf("重启标记错误: %v", found)
	}
}

func TestHotReloader(t *testing.T) {
	reloader := NewHotReloader(createValidConfig())

	var seen *ConfigDiff
	reloader.RegisterCallback(func(old, new *Config, diff *ConfigDiff) error {
		seen = diff
		return nil
	})

	if _, err := reloader.UpdateConfig(createValidConfig()); err != nil {
		t.Fatalf("更新配置失败: %v", err)
	}
	if seen != nil {
		t.Error("配置无变化时不应触发回调")
	}

	newCfg := createValidConfig()
	newCfg.System.LogLevel = "DEBUG"
	if _, err := reloader.UpdateConfig(newCfg); err != nil {
		t.Fatalf("更新配置失败: %v", err)
	}
	if seen == nil {
		t.Fatal("热更新回调未被触发")
	}

	current := reloader.GetCurrentConfig()
	if current.System.LogLevel != "DEBUG" {
		t.Errorf("配置未更新: %s", current.System.LogLevel)
	}
	current.System.LogLevel = "ERROR"
	if reloader.GetCurrentConfig().System.LogLevel != "DEBUG" {
		t.Error("GetCurrentConfig 应返回副本")
	}
}

func TestConfigWatcherReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	initial := createValidConfig()
	if err := SaveConfig(initial, path); err != nil {
		t.Fatal(err)
	}

	watcher, err := NewConfigWatcher(path, NewHotReloader(initial))
	if err != nil {
		t.Fatalf("创建监控器失败: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("启动监控失败: %v", err)
	}
	defer watcher.Stop()

	updated := createValidConfig()
	updated.Backtest.FeePerTrade = 2
	if err := SaveConfig(updated, path); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-watcher.Updates():
		if cfg.Backtest.FeePerTrade != 2 {
			t.Errorf("重新加载的手续费 = %v, 期望 2", cfg.Backtest.FeePerTrade)
		}
	case err := <-watcher.Errors():
		t.Fatalf("重新加载出错: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("等待配置更新超时")
	}
}
