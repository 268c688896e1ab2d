package config

import (
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

// ConfigUpdateCallback 配置更新回调
type ConfigUpdateCallback func(oldConfig, newConfig *Config, diff *ConfigDiff) error

// HotReloader 持有当前生效配置，在配置变化时依次触发回调
type HotReloader struct {
	mu            sync.RWMutex
	currentConfig *Config
	callbacks     []ConfigUpdateCallback
}

// NewHotReloader 创建热更新器
func NewHotReloader(initialConfig *Config) *HotReloader {
	return &HotReloader{currentConfig: initialConfig}
}

// RegisterCallback 注册配置更新回调
func (hr *HotReloader) RegisterCallback(callback ConfigUpdateCallback) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	hr.callbacks = append(hr.callbacks, callback)
}

// UpdateConfig 应用新配置。无变化时不触发回调；
// 任一回调失败则保留旧配置
func (hr *HotReloader) UpdateConfig(newConfig *Config) (*ConfigDiff, error) {
	hr.mu.Lock()
	defer hr.mu.Unlock()

	diff := DiffConfig(hr.currentConfig, newConfig)
	if !diff.HasChanges() {
		return diff, nil
	}

	for _, callback := range hr.callbacks {
		if err := callback(hr.currentConfig, newConfig, diff); err != nil {
			return diff, fmt.Errorf("配置更新回调执行失败: %w", err)
		}
	}

	hr.currentConfig = newConfig
	return diff, nil
}

// GetCurrentConfig 获取当前配置的副本
func (hr *HotReloader) GetCurrentConfig() *Config {
	hr.mu.RLock()
	defer hr.mu.RUnlock()
	return cloneConfig(hr.currentConfig)
}

// cloneConfig 通过 yaml 往返做深拷贝
func cloneConfig(cfg *Config) *Config {
	if cfg == nil {
		return nil
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		c := *cfg
		return &c
	}
	var out Config
	if err := yaml.Unmarshal(data, &out); err != nil {
		c := *cfg
		return &c
	}
	return &out
}
