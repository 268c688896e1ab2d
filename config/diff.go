package config

import (
	"fmt"
	"reflect"
	"strings"
)

// ChangeType 变更类型
type ChangeType string

const (
	ChangeTypeAdded    ChangeType = "added"
	ChangeTypeModified ChangeType = "modified"
	ChangeTypeDeleted  ChangeType = "deleted"
)

// ConfigChange 单项配置变更
type ConfigChange struct {
	Path            string      `json:"path"` // yaml 路径，如 "backtest.holding_period"
	Type            ChangeType  `json:"type"`
	OldValue        interface{} `json:"old_value"`
	NewValue        interface{} `json:"new_value"`
	RequiresRestart bool        `json:"requires_restart"`
}

// ConfigDiff 配置差异
type ConfigDiff struct {
	Changes         []ConfigChange `json:"changes"`
	RequiresRestart bool           `json:"requires_restart"`
}

// HasChanges 是否存在变更
func (d *ConfigDiff) HasChanges() bool {
	return d != nil && len(d.Changes) > 0
}

// Paths 变更路径列表
func (d *ConfigDiff) Paths() []string {
	paths := make([]string, 0, len(d.Changes))
	for _, c := range d.Changes {
		paths = append(paths, c.Path)
	}
	return paths
}

// restartPaths 这些配置只在启动时读取，热更新不会生效
var restartPaths = []string{
	"data_source",
	"cache",
	"database",
	"distributed_lock",
	"notifications",
	"events",
	"web",
	"backtest.max_concurrent_runs",
	"backtest.fetch_concurrency",
	"backtest.keep_finished",
}

// DiffConfig 按 yaml 路径对比两个配置
func DiffConfig(oldConfig, newConfig *Config) *ConfigDiff {
	diff := &ConfigDiff{Changes: []ConfigChange{}}
	diff.compare(reflect.ValueOf(oldConfig), reflect.ValueOf(newConfig), "")

	for _, change := range diff.Changes {
		if change.RequiresRestart {
			diff.RequiresRestart = true
			break
		}
	}
	return diff
}

func (d *ConfigDiff) compare(oldVal, newVal reflect.Value, path string) {
	if oldVal.Kind() == reflect.Ptr {
		oldVal = oldVal.Elem()
	}
	if newVal.Kind() == reflect.Ptr {
		newVal = newVal.Elem()
	}

	switch {
	case !oldVal.IsValid() && !newVal.IsValid():
		return
	case !newVal.IsValid():
		d.addChange(path, ChangeTypeDeleted, oldVal.Interface(), nil)
		return
	case !oldVal.IsValid():
		d.addChange(path, ChangeTypeAdded, nil, newVal.Interface())
		return
	}

	switch oldVal.Kind() {
	case reflect.Struct:
		typ := oldVal.Type()
		for i := 0; i < typ.NumField(); i++ {
			name := strings.Split(typ.Field(i).Tag.Get("yaml"), ",")[0]
			if name == "" || name == "-" {
				continue
			}
			d.compare(oldVal.Field(i), newVal.Field(i), joinPath(path, name))
		}
	case reflect.Slice:
		if oldVal.Len() != newVal.Len() {
			d.addChange(path, ChangeTypeModified, oldVal.Interface(), newVal.Interface())
			return
		}
		for i := 0; i < oldVal.Len(); i++ {
			d.compare(oldVal.Index(i), newVal.Index(i), fmt.Sprintf("%s[%d]", path, i))
		}
	default:
		if !reflect.DeepEqual(oldVal.Interface(), newVal.Interface()) {
			d.addChange(path, ChangeTypeModified, oldVal.Interface(), newVal.Interface())
		}
	}
}

func (d *ConfigDiff) addChange(path string, changeType ChangeType, oldValue, newValue interface{}) {
	d.Changes = append(d.Changes, ConfigChange{
		Path:            path,
		Type:            changeType,
		OldValue:        oldValue,
		NewValue:        newValue,
		RequiresRestart: requiresRestart(path),
	})
}

func joinPath(base, name string) string {
	if base == "" {
		return name
	}
	return base + "." + name
}

// requiresRestart 判断配置路径是否需要重启
func requiresRestart(path string) bool {
	for _, p := range restartPaths {
		if path == p || strings.HasPrefix(path, p+".") || strings.HasPrefix(path, p+"[") {
			return true
		}
	}
	return false
}
