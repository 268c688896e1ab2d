package logger

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", DEBUG},
		{" INFO ", INFO},
		{"warning", WARN},
		{"WARN", WARN},
		{"error", ERROR},
		{"fatal", FATAL},
		{"nonsense", INFO},
	}

	for _, tt := range tests {
		if got := ParseLogLevel(tt.in); got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, 期望 %v", tt.in, got, tt.want)
		}
	}
}

func TestStorageWriterReceivesMessages(t *testing.T) {
	SetLevel(INFO)
	defer Close()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		received []string
	)
	wg.Add(1)
	InitLogStorage(func(level, message string) {
		mu.Lock()
		received = append(received, level+"|"+message)
		mu.Unlock()
		wg.Done()
	})

	Debug("不应输出 %d", 1)
	Info("回测完成 %d 笔交易", 3)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("等待日志回调超时")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("期望 1 条日志, 实际 %d 条: %v", len(received), received)
	}
	if !strings.HasPrefix(received[0], "INFO|[INFO] 回测完成 3 笔交易") {
		t.Errorf("日志内容不正确: %s", received[0])
	}
}

func TestDebugLevelWritesDailyFile(t *testing.T) {
	dir := t.TempDir()
	SetLogDir(dir)
	defer SetLogDir("logs")

	SetLevel(DEBUG)
	Debug("调试信息 %s", "abc")
	SetLevel(INFO)

	files, err := filepath.Glob(filepath.Join(dir, "app-quantbench-*.log"))
	if err != nil || len(files) != 1 {
		t.Fatalf("期望生成 1 个日志文件, 得到 %v (err=%v)", files, err)
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("读取日志文件失败: %v", err)
	}
	if !strings.Contains(string(data), "[DEBUG] 调试信息 abc") {
		t.Errorf("日志文件内容不正确: %s", data)
	}
}
