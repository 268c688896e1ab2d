package utils

import (
	"time"
)

var (
	// GlobalLocation 报告与日志展示使用的时区
	GlobalLocation *time.Location = time.UTC
)

// SetLocation 设置全局时区
func SetLocation(name string) error {
	if name == "" {
		GlobalLocation = time.UTC
		return nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		// 系统缺少时区数据库时的兜底
		if name == "UTC+8" || name == "Asia/Shanghai" {
			GlobalLocation = time.FixedZone("UTC+8", 8*60*60)
			return nil
		}
		return err
	}
	GlobalLocation = loc
	return nil
}

// ToConfiguredTimezone 将时间转换为配置的时区
func ToConfiguredTimezone(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.In(GlobalLocation)
}

// NowConfiguredTimezone 获取当前配置时区的时间
func NowConfiguredTimezone() time.Time {
	return time.Now().In(GlobalLocation)
}

// FormatDate 按配置时区格式化日期，零值返回 "-"
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return ToConfiguredTimezone(t).Format("2006-01-02")
}

// FormatDateTime 按配置时区格式化时间
func FormatDateTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return ToConfiguredTimezone(t).Format("2006-01-02 15:04:05")
}
