package logger

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LogLevel 日志级别
type LogLevel int

const (
	DEBUG LogLevel = iota // 调试信息
	INFO                  // 一般信息
	WARN                  // 警告信息
	ERROR                 // 错误信息
	FATAL                 // 致命错误
)

var (
	globalLevel LogLevel = INFO
	mu          sync.RWMutex

	logDir = "logs"

	// 应用日志（仅 DEBUG 级别落盘）
	appFile = &dailyFile{prefix: "app-quantbench"}
	// Web 访问日志
	webFile = &dailyFile{prefix: "web-gin"}

	globalLocation = time.Local
	locationMu     sync.RWMutex

	// 日志持久化回调（通过函数指针避免循环依赖）
	logStorageWriter func(level, message string)
	logStorageMu     sync.RWMutex
)

// String 返回日志级别的字符串表示
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel 解析日志级别字符串，无法识别时返回 INFO
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// SetLevel 设置全局日志级别，DEBUG 级别会同时写入文件
func SetLevel(level LogLevel) {
	mu.Lock()
	globalLevel = level
	mu.Unlock()

	if level == DEBUG {
		if err := appFile.open(); err != nil {
			log.Printf("[WARN] 打开日志文件失败: %v，将只输出到控制台", err)
		}
	} else {
		appFile.close()
	}
}

// GetLevel 获取全局日志级别
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return globalLevel
}

// SetLocation 设置日志时间戳使用的时区
func SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	locationMu.Lock()
	defer locationMu.Unlock()
	globalLocation = loc
}

// SetLogDir 设置日志目录（默认 logs）
func SetLogDir(dir string) {
	if dir == "" {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	logDir = dir
}

func location() *time.Location {
	locationMu.RLock()
	defer locationMu.RUnlock()
	return globalLocation
}

func currentLogDir() string {
	mu.RLock()
	defer mu.RUnlock()
	return logDir
}

// dailyFile 按日期切分的日志文件
type dailyFile struct {
	prefix string
	mu     sync.Mutex
	file   *os.File
	logger *log.Logger
	date   string
}

// open 打开（或按日期轮转）日志文件
func (d *dailyFile) open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rotateLocked()
}

// rotateLocked 调用前必须持有 d.mu
func (d *dailyFile) rotateLocked() error {
	today := time.Now().In(location()).Format("2006-01-02")
	if d.logger != nil && d.date == today {
		return nil
	}

	if d.file != nil {
		d.file.Close()
		d.file = nil
		d.logger = nil
	}

	dir := currentLogDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("创建日志文件夹失败: %w", err)
	}

	name := filepath.Join(dir, fmt.Sprintf("%s-%s.log", d.prefix, today))
	file, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("打开日志文件失败: %w", err)
	}

	d.file = file
	d.date = today
	d.logger = log.New(file, "", 0)
	return nil
}

// write 写入一行（带时间戳），文件未打开时忽略
func (d *dailyFile) write(message string, rotate bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.logger == nil && !rotate {
		return
	}
	if err := d.rotateLocked(); err != nil {
		return
	}
	d.logger.Printf("%s %s", time.Now().In(location()).Format("2006/01/02 15:04:05"), message)
}

func (d *dailyFile) active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.logger != nil
}

func (d *dailyFile) close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file != nil {
		d.file.Close()
	}
	d.file = nil
	d.logger = nil
	d.date = ""
}

// InitLogStorage 设置日志持久化回调
func InitLogStorage(writer func(level, message string)) {
	logStorageMu.Lock()
	defer logStorageMu.Unlock()
	logStorageWriter = writer
}

// InitWebLogger 初始化 Web 日志文件
func InitWebLogger() error {
	if err := webFile.open(); err != nil {
		return err
	}
	log.Printf("[INFO] Web 日志文件已启用: %s", currentLogDir())
	return nil
}

// WriteWebLog 写入 Web 日志（供 Gin 中间件使用）
func WriteWebLog(message string) {
	if !webFile.active() {
		return
	}
	webFile.write(message, true)
}

// Close 关闭文件日志（程序退出时调用）
func Close() {
	appFile.close()
	webFile.close()

	logStorageMu.Lock()
	defer logStorageMu.Unlock()
	logStorageWriter = nil
}

func shouldLog(level LogLevel) bool {
	return level >= GetLevel()
}

// emit 输出到控制台、DEBUG 文件以及持久化回调
func emit(level LogLevel, message string) {
	log.Print(message)

	if GetLevel() == DEBUG {
		appFile.write(message, false)
	}

	logStorageMu.RLock()
	writer := logStorageWriter
	logStorageMu.RUnlock()

	if writer != nil {
		// 异步写入，避免阻塞调用方
		go func() {
			defer func() {
				_ = recover()
			}()
			writer(level.String(), message)
		}()
	}
}

func logf(level LogLevel, format string, args ...interface{}) {
	if !shouldLog(level) {
		return
	}
	emit(level, fmt.Sprintf("[%s] "+format, append([]interface{}{level.String()}, args...)...))
}

func logln(level LogLevel, args ...interface{}) {
	if !shouldLog(level) {
		return
	}
	message := fmt.Sprintln(append([]interface{}{fmt.Sprintf("[%s]", level.String())}, args...)...)
	emit(level, strings.TrimSuffix(message, "\n"))
}

// Debug 输出调试日志
func Debug(format string, args ...interface{}) {
	logf(DEBUG, format, args...)
}

// Debugln 输出调试日志（无格式）
func Debugln(args ...interface{}) {
	logln(DEBUG, args...)
}

// Info 输出一般信息日志
func Info(format string, args ...interface{}) {
	logf(INFO, format, args...)
}

// Infoln 输出一般信息日志（无格式）
func Infoln(args ...interface{}) {
	logln(INFO, args...)
}

// Warn 输出警告日志
func Warn(format string, args ...interface{}) {
	logf(WARN, format, args...)
}

// Error 输出错误日志
func Error(format string, args ...interface{}) {
	logf(ERROR, format, args...)
}

// Fatal 输出致命错误日志并退出程序
func Fatal(format string, args ...interface{}) {
	logf(FATAL, format, args...)
	os.Exit(1)
}
