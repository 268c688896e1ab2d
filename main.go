package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"quantbench/backtest"
	"quantbench/config"
	"quantbench/event"
	"quantbench/logger"
)

// Version 版本号
var Version = "1.0.0"

const usage = `用法:
  quantbench [--debug] [config.yaml]                 启动回测服务
  quantbench [--debug] run <request.json> [config.yaml]  执行单次回测并输出结果
  quantbench --version`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-version" || os.Args[1] == "--version") {
		fmt.Printf("QuantBench Backtest Engine\n")
		fmt.Printf("Version: %s\n", Version)
		os.Exit(0)
	}

	debugMode := false
	args := []string{}
	for _, arg := range os.Args[1:] {
		switch arg {
		case "-debug", "--debug":
			debugMode = true
		case "-h", "--help":
			fmt.Println(usage)
			os.Exit(0)
		default:
			args = append(args, arg)
		}
	}

	if len(args) > 0 && args[0] == "run" {
		if len(args) < 2 {
			fmt.Println(usage)
			os.Exit(2)
		}
		configPath := "config.yaml"
		if len(args) > 2 {
			configPath = args[2]
		}
		os.Exit(runOnce(args[1], configPath, debugMode))
	}

	configPath := "config.yaml"
	if len(args) > 0 {
		configPath = args[0]
	}
	serve(configPath, debugMode)
}

// loadOrCreateConfig 加载配置，文件不存在时写入默认配置
func loadOrCreateConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := config.CreateDefaultConfig()
		if err := config.SaveConfig(cfg, path); err != nil {
			log.Printf("[WARN] 保存默认配置失败: %v，将继续运行", err)
		} else {
			log.Printf("[INFO] 配置文件不存在，已创建默认配置: %s", path)
		}
		return cfg, nil
	}
	return config.LoadConfig(path)
}

func setup(configPath string, debugMode bool) *config.Config {
	cfg, err := loadOrCreateConfig(configPath)
	if err != nil {
		logger.Fatal("❌ 加载配置失败: %v", err)
	}
	if debugMode {
		cfg.System.LogLevel = "DEBUG"
	}
	if err := applyRuntimeConfig(cfg); err != nil {
		logger.Fatal("❌ %v", err)
	}
	if debugMode {
		if err := logger.InitWebLogger(); err != nil {
			logger.Warn("⚠️ 初始化Web日志失败: %v", err)
		}
	}
	return cfg
}

func serve(configPath string, debugMode bool) {
	cfg := setup(configPath, debugMode)

	logger.Info("🚀 QuantBench 回测服务启动...")
	logger.Info("📦 版本号: %s", Version)

	a, err := newApp(cfg)
	if err != nil {
		logger.Fatal("❌ 初始化失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hotReloader := config.NewHotReloader(cfg)
	hotReloader.RegisterCallback(a.onConfigUpdate)

	watcher, err := config.NewConfigWatcher(configPath, hotReloader)
	if err != nil {
		logger.Warn("⚠️ 创建配置监视器失败: %v，配置热更新不可用", err)
	} else if err := watcher.Start(ctx); err != nil {
		logger.Warn("⚠️ 启动配置监视器失败: %v", err)
		watcher = nil
	} else {
		go watchConfig(ctx, watcher, a.bus)
	}

	if a.web == nil {
		logger.Warn("⚠️ Web服务未启用，仅可通过 run 子命令执行回测")
	} else if err := a.web.Start(ctx); err != nil {
		logger.Fatal("❌ 启动Web服务失败: %v", err)
	}

	a.bus.Publish(&event.Event{
		Type: event.EventTypeSystemStart,
		Data: map[string]interface{}{"version": Version},
	})

	logger.Info("✅ 系统初始化完成，程序正在运行中...")
	logger.Info("💡 按 Ctrl+C 退出程序")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("🛑 收到退出信号，开始优雅关闭...")
	a.bus.Publish(&event.Event{
		Type: event.EventTypeSystemStop,
		Data: map[string]interface{}{"reason": "收到退出信号"},
	})

	if watcher != nil {
		watcher.Stop()
	}
	cancel()
	a.close()

	logger.Info("✅ 系统已安全退出 QuantBench")
	logger.Close()
}

// watchConfig 转发配置监视器的结果
func watchConfig(ctx context.Context, watcher *config.ConfigWatcher, bus *event.EventBus) {
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-watcher.Updates():
			if !ok {
				return
			}
			logger.Info("🔄 配置已重新加载 (日志级别 %s)", newCfg.System.LogLevel)
			bus.Publish(&event.Event{Type: event.EventTypeConfigReloaded})
		case err, ok := <-watcher.Errors():
			if !ok {
				return
			}
			logger.Error("❌ 配置重新加载失败: %v", err)
		}
	}
}

// writeSnapshot 以缩进 JSON 输出回测快照
func writeSnapshot(w io.Writer, snap backtest.RunSnapshot) error {
	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化回测结果失败: %w", err)
	}
	if _, err := fmt.Fprintln(w, string(out)); err != nil {
		return fmt.Errorf("输出回测结果失败: %w", err)
	}
	return nil
}

// runOnce 执行单次回测，成功返回 0
func runOnce(requestPath, configPath string, debugMode bool) int {
	cfg := setup(configPath, debugMode)
	// 单次回测不需要 Web 服务
	cfg.Web.Enabled = false
	defer logger.Close()

	data, err := os.ReadFile(requestPath)
	if err != nil {
		logger.Error("❌ 读取回测请求失败: %v", err)
		return 2
	}
	var req backtest.Request
	if err := json.Unmarshal(data, &req); err != nil {
		logger.Error("❌ 解析回测请求失败: %v", err)
		return 2
	}

	a, err := newApp(cfg)
	if err != nil {
		logger.Error("❌ 初始化失败: %v", err)
		return 1
	}
	defer a.close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	run, err := a.manager.RunSync(ctx, req)
	if run == nil {
		logger.Error("❌ 回测无法启动: %v", err)
		return 1
	}

	snap := run.Snapshot(true)
	if werr := writeSnapshot(os.Stdout, snap); werr != nil {
		logger.Error("❌ %v", werr)
		return 1
	}

	if err != nil {
		logger.Error("❌ 回测失败: %v", err)
		return 1
	}

	if dir := cfg.Backtest.ReportDir; dir != "" {
		if path, err := backtest.GenerateReport(dir, snap); err != nil {
			logger.Warn("⚠️ 生成报告失败: %v", err)
		} else {
			logger.Info("📄 报告已生成: %s", path)
		}
		if path, err := backtest.SaveEquityCurveCSV(dir, snap); err != nil {
			logger.Warn("⚠️ 保存权益曲线失败: %v", err)
		} else {
			logger.Info("📈 权益曲线已保存: %s", path)
		}
	}
	return 0
}
