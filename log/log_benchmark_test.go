package log

import (
	"path/filepath"
	"testing"
)

// BenchmarkLogger_SyncFile 测试同步文件写入性能
func BenchmarkLogger_SyncFile(b *testing.B) {
	logger := NewLogger(&LogCfg{
		LogLevel:     InfoLevel,
		FileAppender: true,
		LogPath:      filepath.Join(b.TempDir(), "sync.log"),
	})
	defer logger.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Info().Str("key", "value").Int("number", 42).Msg("benchmark test message")
	}
}

// BenchmarkLogger_AsyncFile 测试异步文件写入性能
func BenchmarkLogger_AsyncFile(b *testing.B) {
	logger := NewLogger(&LogCfg{
		LogLevel:     InfoLevel,
		FileAppender: true,
		LogPath:      filepath.Join(b.TempDir(), "async.log"),
		IsAsync:      true,
	})
	defer logger.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Info().Str("key", "value").Int("number", 42).Msg("benchmark test message")
	}
	logger.Refresh()
}

// BenchmarkLogger_Filtered 被过滤的日志不应产生分配
func BenchmarkLogger_Filtered(b *testing.B) {
	logger := NewLogger(&LogCfg{LogLevel: ErrorLevel})
	cat := logger.Category("network")

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cat.Debug().Uint32("opcode", 0x1DC).Msg("filtered")
	}
}
