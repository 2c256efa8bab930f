package log

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lcx/worldcore/config"
)

const (
	_defaultAsyncCacheSize    = 1024
	_defaultAsyncWriteMillSec = 200
	_asyncBatchBytes          = 64 << 10
)

// FileAppender appends log lines to a file, rotating it by size and daily at
// FileSplitHour. In async mode lines are batched by a background goroutine.
type FileAppender struct {
	stateMu       sync.RWMutex
	cfg           *LogCfg
	pipe          *asyncPipe
	logger        Logger
	configManager config.ConfigManager

	fileMu    sync.Mutex
	file      *os.File
	path      string
	size      int64
	nextSplit time.Time
}

type asyncPipe struct {
	ch    chan []byte
	flush chan chan struct{}
	stop  chan struct{}
	done  chan struct{}
}

// NewFileAppender creates an appender for cfg.LogPath.
func NewFileAppender(cfg *LogCfg, logger Logger) *FileAppender {
	if cfg == nil {
		cfg = getDefaultCfg()
	}
	a := &FileAppender{logger: logger}
	a.apply(cfg)
	return a
}

// NewFileAppenderWithConfigManager creates an appender whose settings come
// from the "logger" configuration and follow its hot reloads.
func NewFileAppenderWithConfigManager(cm config.ConfigManager, logger Logger) *FileAppender {
	cfg := getDefaultCfg()
	if cm != nil {
		if c, err := cm.GetConfig(LoggerConfigName); err == nil {
			if logCfg, ok := c.(*LogCfg); ok {
				cfg = logCfg
			}
		}
	}
	a := NewFileAppender(cfg, logger)
	a.configManager = cm
	return a
}

// GetCurrentConfig returns the configuration the appender is running with.
func (a *FileAppender) GetCurrentConfig() *LogCfg {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.cfg
}

// OnConfigChanged switches file path, rotation and async mode at runtime.
func (a *FileAppender) OnConfigChanged(configName string, newConfig, _ config.Config) error {
	if configName != LoggerConfigName {
		return nil
	}
	cfg, ok := newConfig.(*LogCfg)
	if !ok {
		return nil
	}
	a.apply(cfg)
	return nil
}

func (a *FileAppender) apply(cfg *LogCfg) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()

	if a.pipe != nil {
		a.stopPipe()
	}

	a.fileMu.Lock()
	if a.path != cfg.LogPath && a.file != nil {
		_ = a.file.Close()
		a.file = nil
	}
	a.path = cfg.LogPath
	a.nextSplit = nextSplitTime(time.Now(), cfg.FileSplitHour)
	a.fileMu.Unlock()

	a.cfg = cfg
	if cfg.IsAsync {
		a.startPipe(cfg)
	}
}

func (a *FileAppender) Write(p []byte) (int, error) {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()

	if a.pipe == nil {
		return a.writeFile(p)
	}

	// the caller recycles p as soon as Write returns
	cp := make([]byte, len(p))
	copy(cp, p)
	a.pipe.ch <- cp
	return len(p), nil
}

// Refresh writes every line queued before the call and returns without
// waiting for lines queued afterwards.
func (a *FileAppender) Refresh() {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()

	if a.pipe == nil {
		return
	}
	req := make(chan struct{})
	a.pipe.flush <- req
	<-req
}

func (a *FileAppender) Close() error {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()

	if a.pipe != nil {
		a.stopPipe()
	}

	a.fileMu.Lock()
	defer a.fileMu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

func (a *FileAppender) startPipe(cfg *LogCfg) {
	size := cfg.AsyncCacheSize
	if size <= 0 {
		size = _defaultAsyncCacheSize
	}
	interval := time.Duration(cfg.AsyncWriteMillSec) * time.Millisecond
	if interval <= 0 {
		interval = _defaultAsyncWriteMillSec * time.Millisecond
	}

	p := &asyncPipe{
		ch:    make(chan []byte, size),
		flush: make(chan chan struct{}),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	a.pipe = p
	go a.runPipe(p, interval)
}

// stopPipe must be called with stateMu held for writing.
func (a *FileAppender) stopPipe() {
	close(a.pipe.stop)
	<-a.pipe.done
	a.pipe = nil
}

func (a *FileAppender) runPipe(p *asyncPipe, interval time.Duration) {
	defer close(p.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var batch bytes.Buffer
	flush := func() {
		if batch.Len() == 0 {
			return
		}
		_, _ = a.writeFile(batch.Bytes())
		batch.Reset()
	}
	drain := func() {
		for n := len(p.ch); n > 0; n-- {
			batch.Write(<-p.ch)
			if batch.Len() >= _asyncBatchBytes {
				flush()
			}
		}
		flush()
	}

	for {
		select {
		case line := <-p.ch:
			batch.Write(line)
			if batch.Len() >= _asyncBatchBytes {
				flush()
			}
		case <-ticker.C:
			flush()
		case req := <-p.flush:
			drain()
			close(req)
		case <-p.stop:
			drain()
			return
		}
	}
}

func (a *FileAppender) writeFile(p []byte) (int, error) {
	a.fileMu.Lock()
	defer a.fileMu.Unlock()

	if err := a.rotateIfNeeded(int64(len(p))); err != nil {
		fmt.Fprintf(os.Stderr, "log rotate %s failed: %v\n", a.path, err)
	}
	if a.file == nil {
		if err := a.open(); err != nil {
			fmt.Fprintf(os.Stderr, "log open %s failed: %v\n", a.path, err)
			return 0, err
		}
	}

	crossProcess := a.cfg != nil && a.cfg.CrossProcessLock
	if crossProcess {
		if err := lockFile(a.file); err != nil {
			return 0, fmt.Errorf("lock log file: %w", err)
		}
		defer func() { _ = unlockFile(a.file) }()
	}

	n, err := a.file.Write(p)
	a.size += int64(n)
	return n, err
}

func (a *FileAppender) open() error {
	if dir := filepath.Dir(a.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	a.file = f
	a.size = info.Size()
	return nil
}

func (a *FileAppender) rotateIfNeeded(incoming int64) error {
	now := time.Now()
	bySize := false
	if a.cfg != nil && a.cfg.FileSplitMB > 0 {
		bySize = a.size > 0 && a.size+incoming > int64(a.cfg.FileSplitMB)<<20
	}
	byTime := !a.nextSplit.IsZero() && !now.Before(a.nextSplit)
	if !bySize && !byTime {
		return nil
	}
	if byTime {
		hour := 0
		if a.cfg != nil {
			hour = a.cfg.FileSplitHour
		}
		a.nextSplit = nextSplitTime(now, hour)
	}

	if a.file != nil {
		_ = a.file.Close()
		a.file = nil
	}
	if _, err := os.Stat(a.path); err != nil {
		return nil
	}

	stamp := now.Format("20060102-150405")
	target := a.path + "." + stamp
	for i := 1; ; i++ {
		if _, err := os.Stat(target); os.IsNotExist(err) {
			break
		}
		target = fmt.Sprintf("%s.%s.%d", a.path, stamp, i)
	}
	a.size = 0
	return os.Rename(a.path, target)
}

// nextSplitTime returns the next wall clock time at hour:00 after now.
func nextSplitTime(now time.Time, hour int) time.Time {
	if hour < 0 || hour > 23 {
		return time.Time{}
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
