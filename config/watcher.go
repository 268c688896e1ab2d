package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher 配置文件监控器：文件写入后重新加载，
// 通过 HotReloader 触发回调，并把生效的新配置推送到 Updates()
type ConfigWatcher struct {
	configPath  string
	watcher     *fsnotify.Watcher
	hotReloader *HotReloader
	debounce    time.Duration

	mu          sync.Mutex
	isWatching  bool
	lastModTime time.Time

	updateChan chan *Config
	errorChan  chan error
}

// NewConfigWatcher 创建配置监控器
func NewConfigWatcher(configPath string, hotReloader *HotReloader) (*ConfigWatcher, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("解析配置路径失败: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控器失败: %w", err)
	}

	var lastModTime time.Time
	if info, err := os.Stat(absPath); err == nil {
		lastModTime = info.ModTime()
	}

	return &ConfigWatcher{
		configPath:  absPath,
		watcher:     watcher,
		hotReloader: hotReloader,
		debounce:    100 * time.Millisecond,
		lastModTime: lastModTime,
		updateChan:  make(chan *Config, 1),
		errorChan:   make(chan error, 10),
	}, nil
}

// Start 开始监控配置文件所在目录（编辑器常以替换文件的方式保存）
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.isWatching {
		return fmt.Errorf("配置监控器已经在运行")
	}
	if err := cw.watcher.Add(filepath.Dir(cw.configPath)); err != nil {
		return fmt.Errorf("添加监控目录失败: %w", err)
	}
	cw.isWatching = true

	go cw.watchLoop(ctx)
	return nil
}

// Stop 停止监控
func (cw *ConfigWatcher) Stop() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if !cw.isWatching {
		return nil
	}
	cw.isWatching = false
	return cw.watcher.Close()
}

// Updates 生效的新配置
func (cw *ConfigWatcher) Updates() <-chan *Config {
	return cw.updateChan
}

// Errors 重新加载过程中的错误
func (cw *ConfigWatcher) Errors() <-chan error {
	return cw.errorChan
}

func (cw *ConfigWatcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != cw.configPath {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				// 等待写入完成
				time.Sleep(cw.debounce)
				cw.reload()
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.reportError(err)
		}
	}
}

// reload 重新加载配置；内容无变化时不推送
func (cw *ConfigWatcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	info, err := os.Stat(cw.configPath)
	if err != nil {
		cw.reportError(fmt.Errorf("获取文件信息失败: %w", err))
		return
	}
	if !info.ModTime().After(cw.lastModTime) {
		return
	}
	cw.lastModTime = info.ModTime()

	newConfig, err := LoadConfig(cw.configPath)
	if err != nil {
		cw.reportError(fmt.Errorf("重新加载配置失败: %w", err))
		return
	}

	diff, err := cw.hotReloader.UpdateConfig(newConfig)
	if err != nil {
		cw.reportError(fmt.Errorf("配置热更新失败: %w", err))
		return
	}
	if !diff.HasChanges() {
		return
	}

	// 只保留最新一份
	select {
	case <-cw.updateChan:
	default:
	}
	cw.updateChan <- newConfig
}

func (cw *ConfigWatcher) reportError(err error) {
	select {
	case cw.errorChan <- err:
	default:
	}
}
