package main

import (
	"context"
	"fmt"
	"time"

	"quantbench/backtest"
	"quantbench/config"
	"quantbench/database"
	"quantbench/event"
	"quantbench/exchange"
	"quantbench/exchange/alpaca"
	"quantbench/exchange/binance"
	"quantbench/lock"
	"quantbench/logger"
	"quantbench/metrics"
	"quantbench/notify"
	"quantbench/storage"
	"quantbench/utils"
	"quantbench/web"
)

// app 进程内的全部组件，按依赖顺序创建、逆序关闭
type app struct {
	cfg *config.Config

	cache       storage.CandleCache
	db          database.Database
	locker      lock.DistributedLock
	bus         *event.EventBus
	notifier    *notify.NotificationService
	eventCenter *event.EventCenter
	manager     *backtest.Manager
	web         *web.WebServer
}

// buildProvider 根据配置选择历史数据源
func buildProvider(cfg *config.Config) (exchange.HistoricalDataProvider, error) {
	ds := cfg.DataSource
	switch ds.Provider {
	case "binance":
		return binance.NewKlineProvider(binance.Options{
			APIKey:    ds.Binance.APIKey,
			SecretKey: ds.Binance.SecretKey,
			Testnet:   ds.Binance.Testnet,
			BaseURL:   ds.Binance.BaseURL,
			RateLimit: ds.Binance.RateLimit,
			Burst:     ds.Binance.Burst,
		}), nil
	case "alpaca":
		return alpaca.NewBarProvider(alpaca.Options{
			APIKey:        ds.Alpaca.APIKey,
			APISecret:     ds.Alpaca.APISecret,
			DataURL:       ds.Alpaca.DataURL,
			Feed:          ds.Alpaca.Feed,
			RatePerMinute: ds.Alpaca.RatePerMinute,
		}), nil
	case "csv":
		return exchange.NewCSVDirProvider(ds.CSVDir), nil
	default:
		return nil, fmt.Errorf("不支持的数据源: %s", ds.Provider)
	}
}

func requestDefaults(cfg *config.Config) backtest.RequestDefaults {
	return backtest.RequestDefaults{
		Interval:      cfg.Backtest.DefaultInterval,
		HoldingPeriod: cfg.Backtest.HoldingPeriod,
		FeePerTrade:   cfg.Backtest.FeePerTrade,
		PortfolioMode: backtest.PortfolioMode(cfg.Backtest.PortfolioMode),
	}
}

// applyRuntimeConfig 应用可热更新的配置项
func applyRuntimeConfig(cfg *config.Config) error {
	if err := utils.SetLocation(cfg.System.Timezone); err != nil {
		return fmt.Errorf("设置时区 %s 失败: %w", cfg.System.Timezone, err)
	}
	logger.SetLocation(utils.GlobalLocation)
	logger.SetLevel(logger.ParseLogLevel(cfg.System.LogLevel))
	if cfg.System.LogDir != "" {
		logger.SetLogDir(cfg.System.LogDir)
	}
	return nil
}

// newApp 创建全部组件；出错时已创建的组件会被关闭
func newApp(cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	cache, err := storage.NewCandleCache(storage.Config{
		Enabled: cfg.Cache.Enabled,
		Backend: cfg.Cache.Backend,
		Dir:     cfg.Cache.Dir,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化K线缓存失败: %w", err)
	}
	a.cache = cache
	if a.cache != nil {
		logger.Info("✅ K线缓存已启用: %s (%s)", cfg.Cache.Backend, cfg.Cache.Dir)
	}

	if cfg.Database.Enabled {
		db, err := database.NewDatabase(&database.Config{
			Type:            cfg.Database.Type,
			DSN:             cfg.Database.DSN,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
			LogLevel:        cfg.Database.LogLevel,
		})
		if err != nil {
			return nil, fmt.Errorf("初始化数据库失败: %w", err)
		}
		a.db = db
		logger.Info("✅ 数据库已连接: %s", cfg.Database.Type)
	}

	dl := cfg.DistributedLock
	locker, err := lock.NewDistributedLock(&lock.Config{
		Enabled:    dl.Enabled,
		Type:       dl.Type,
		Prefix:     dl.Prefix,
		DefaultTTL: time.Duration(dl.DefaultTTL) * time.Second,
		Redis: lock.RedisConfig{
			Addr:     dl.Redis.Addr,
			Password: dl.Redis.Password,
			DB:       dl.Redis.DB,
			PoolSize: dl.Redis.PoolSize,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("初始化分布式锁失败: %w", err)
	}
	a.locker = locker

	a.bus = event.NewEventBus(cfg.Events.BufferSize)

	if cfg.Notifications.Enabled {
		a.notifier = notify.NewNotificationService(cfg)
		logger.Info("✅ 通知渠道: %v", a.notifier.Notifiers())
	}

	if cfg.Events.Enabled {
		var store event.EventStore
		if a.db != nil {
			store = a.db
		}
		var notifier event.NotificationService
		if a.notifier != nil {
			notifier = a.notifier
		}
		r := cfg.Events.Retention
		a.eventCenter = event.NewEventCenter(store, a.bus, notifier, &event.EventCenterConfig{
			Enabled:         true,
			NotifyOnSuccess: cfg.Notifications.NotifyOnSuccess,
			CleanupInterval: cfg.Events.CleanupInterval,
			Retention: event.RetentionConfig{
				CriticalDays:     r.CriticalDays,
				WarningDays:      r.WarningDays,
				InfoDays:         r.InfoDays,
				CriticalMaxCount: r.CriticalMaxCount,
				WarningMaxCount:  r.WarningMaxCount,
				InfoMaxCount:     r.InfoMaxCount,
			},
		})
		if err = a.eventCenter.Start(); err != nil {
			return nil, fmt.Errorf("启动事件中心失败: %w", err)
		}
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("📡 数据源: %s", provider.Name())

	orchestrator := backtest.NewOrchestrator(
		backtest.NewCachedProvider(provider, a.cache),
		backtest.WithFetchConcurrency(cfg.Backtest.FetchConcurrency),
	)

	opts := []backtest.ManagerOption{
		backtest.WithPublisher(a.bus),
		backtest.WithLock(a.locker),
		backtest.WithMetrics(metrics.NewMetricsCollector()),
	}
	if a.db != nil {
		opts = append(opts, backtest.WithRecorder(newRunRecorder(a.db)))
	}
	a.manager = backtest.NewManager(orchestrator, backtest.ManagerConfig{
		MaxConcurrentRuns: cfg.Backtest.MaxConcurrentRuns,
		RunTimeout:        time.Duration(cfg.Backtest.RunTimeoutSeconds) * time.Second,
		LockTTL:           time.Duration(cfg.Backtest.LockTTLSeconds) * time.Second,
		KeepFinished:      cfg.Backtest.KeepFinished,
	}, opts...)
	a.manager.SetDefaults(requestDefaults(cfg))

	deps := web.Dependencies{
		Manager:   a.manager,
		Cache:     a.cache,
		DB:        a.db,
		Bus:       a.bus,
		ReportDir: cfg.Backtest.ReportDir,
	}
	a.web = web.NewWebServer(cfg, deps)

	return a, nil
}

// onConfigUpdate 热更新回调
func (a *app) onConfigUpdate(oldCfg, newCfg *config.Config, diff *config.ConfigDiff) error {
	if err := applyRuntimeConfig(newCfg); err != nil {
		return err
	}
	if a.manager != nil {
		a.manager.SetDefaults(requestDefaults(newCfg))
	}
	if diff.RequiresRestart {
		logger.Warn("⚠️ 以下配置修改需要重启生效: %v", restartPaths(diff))
	}
	return nil
}

func restartPaths(diff *config.ConfigDiff) []string {
	var paths []string
	for _, c := range diff.Changes {
		if c.RequiresRestart {
			paths = append(paths, c.Path)
		}
	}
	return paths
}

// close 逆序关闭组件
func (a *app) close() {
	if a.manager != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := a.manager.Shutdown(ctx); err != nil {
			logger.Warn("⚠️ 等待回测结束超时: %v", err)
		}
		cancel()
	}
	if a.eventCenter != nil {
		a.eventCenter.Stop()
	}
	if a.notifier != nil {
		a.notifier.Close()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			logger.Error("❌ 关闭数据库失败: %v", err)
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			logger.Error("❌ 关闭缓存失败: %v", err)
		}
	}
	if a.locker != nil {
		if err := a.locker.Close(); err != nil {
			logger.Error("❌ 关闭分布式锁失败: %v", err)
		}
	}
}
