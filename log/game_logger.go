package log

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lcx/worldcore/config"
)

// GameLogger is a leveled JSON logger with pooled events and pluggable
// appenders. The level check on the hot path is a single atomic load.
//
// Example usage:
//
//	logger := NewLogger(&LogCfg{
//	    LogLevel:        InfoLevel,
//	    ConsoleAppender: true,
//	})
//	logger.Info().Str("bind", addr).Int("threads", 4).Msg("network started")
type GameLogger struct {
	appenderMu    sync.RWMutex
	appenders     []LogAppender
	minLevel      atomic.Uint32
	callerSkip    atomic.Int32
	callerInfo    atomic.Bool
	levelChange   atomic.Pointer[levelChange]
	eventPool     *sync.Pool
	callerCache   sync.Map
	categories    sync.Map // name -> *CategoryLogger
	configManager config.ConfigManager
	configMutex   sync.RWMutex
	currentConfig *LogCfg
}

// NewLogger creates a logger from cfg, or from the defaults when cfg is nil.
func NewLogger(cfg *LogCfg) *GameLogger {
	if cfg == nil {
		cfg = getDefaultCfg()
	}

	logger := &GameLogger{currentConfig: cfg}
	logger.minLevel.Store(uint32(cfg.LogLevel))
	logger.callerSkip.Store(int32(cfg.CallerSkip))
	logger.callerInfo.Store(cfg.EnabledCallerInfo)
	logger.levelChange.Store(newLevelChange(cfg.LevelChange))

	logger.eventPool = &sync.Pool{
		New: func() any {
			return newEvent(logger)
		},
	}

	if cfg.FileAppender {
		logger.AddAppender(NewFileAppender(cfg, logger))
	}
	if cfg.ConsoleAppender {
		logger.AddAppender(NewConsoleAppender())
	}

	return logger
}

// NewLoggerWithConfigManager creates a logger that follows hot reloads of
// the "logger" configuration.
func NewLoggerWithConfigManager(cfg *LogCfg, configManager config.ConfigManager) *GameLogger {
	logger := NewLogger(cfg)
	logger.configManager = configManager

	if configManager != nil {
		configManager.AddChangeListener(logger)
	}

	return logger
}

// OnConfigChanged applies a reloaded logger configuration and forwards it
// to the appenders that listen for changes themselves.
func (x *GameLogger) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != LoggerConfigName {
		return nil
	}

	newLogCfg, ok := newConfig.(*LogCfg)
	if !ok {
		return nil
	}

	x.updateConfig(newLogCfg)

	for _, appender := range x.GetAppender() {
		if listener, ok := appender.(config.ConfigChangeListener); ok {
			if err := listener.OnConfigChanged(configName, newConfig, oldConfig); err != nil {
				x.Error().Err(err).Msg("notify appender about config change failed")
			}
		}
	}

	return nil
}

func (x *GameLogger) updateConfig(newCfg *LogCfg) {
	x.configMutex.Lock()
	x.currentConfig = newCfg
	x.configMutex.Unlock()

	x.minLevel.Store(uint32(newCfg.LogLevel))
	x.callerSkip.Store(int32(newCfg.CallerSkip))
	x.callerInfo.Store(newCfg.EnabledCallerInfo)
	x.levelChange.Store(newLevelChange(newCfg.LevelChange))

	x.categories.Range(func(_, v any) bool {
		v.(*CategoryLogger).applyConfig(newCfg)
		return true
	})
}

// GetCurrentConfig returns the configuration currently applied.
func (x *GameLogger) GetCurrentConfig() *LogCfg {
	x.configMutex.RLock()
	defer x.configMutex.RUnlock()
	return x.currentConfig
}

// SetLevel changes the minimum level at runtime.
func (x *GameLogger) SetLevel(level Level) {
	x.minLevel.Store(uint32(level))
}

func (x *GameLogger) checkLevel(level Level) bool {
	return Level(x.minLevel.Load()) <= level
}

func (x *GameLogger) AddAppender(appender LogAppender) {
	x.appenderMu.Lock()
	defer x.appenderMu.Unlock()
	x.appenders = append(x.appenders, appender)
}

func (x *GameLogger) GetAppender() []LogAppender {
	x.appenderMu.RLock()
	defer x.appenderMu.RUnlock()
	return x.appenders
}

// Refresh flushes every appender.
func (x *GameLogger) Refresh() {
	for _, appender := range x.GetAppender() {
		appender.Refresh()
	}
}

// Close flushes and closes every appender.
func (x *GameLogger) Close() error {
	var firstErr error
	for _, appender := range x.GetAppender() {
		appender.Refresh()
		if err := appender.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (x *GameLogger) newEvent() *LogEvent {
	e := x.eventPool.Get().(*LogEvent)
	e.Reset()
	return e
}

// OnEventEnd writes a finished event to all appenders and recycles it.
// A fatal event panics after being flushed.
func (x *GameLogger) OnEventEnd(e *LogEvent) {
	for _, appender := range x.GetAppender() {
		if _, err := appender.Write(e.buf.Bytes()); err != nil {
			fmt.Fprintf(os.Stderr, "log appender write failed: %v\n", err)
		}
	}

	if e.level == FatalLevel {
		x.Refresh()
		line := e.buf.String()
		x.eventPool.Put(e)
		panic(line)
	}

	x.eventPool.Put(e)
}

func (x *GameLogger) Debug() *LogEvent {
	return x.emit(DebugLevel, Level(x.minLevel.Load()), int(x.callerSkip.Load()))
}

func (x *GameLogger) Info() *LogEvent {
	return x.emit(InfoLevel, Level(x.minLevel.Load()), int(x.callerSkip.Load()))
}

func (x *GameLogger) Warn() *LogEvent {
	return x.emit(WarnLevel, Level(x.minLevel.Load()), int(x.callerSkip.Load()))
}

func (x *GameLogger) Error() *LogEvent {
	return x.emit(ErrorLevel, Level(x.minLevel.Load()), int(x.callerSkip.Load()))
}

// Fatal events panic once written.
func (x *GameLogger) Fatal() *LogEvent {
	return x.emit(FatalLevel, Level(x.minLevel.Load()), int(x.callerSkip.Load()))
}

// getCallerInfo resolves the frame skip levels above the public logging
// method. Results are cached per program counter.
func (x *GameLogger) getCallerInfo(skip int) *callerInfo {
	pc, file, line, ok := runtime.Caller(3 + skip)
	if !ok {
		return _UnknownCallerInfo
	}

	if cached, found := x.callerCache.Load(pc); found {
		return cached.(*callerInfo)
	}

	funcName := runtime.FuncForPC(pc).Name()
	function := funcName
	if dotIdx := strings.LastIndexByte(funcName, '.'); dotIdx != -1 {
		function = funcName[dotIdx+1:]
	}

	// keep "pkg/file.go"
	if lastSlash := strings.LastIndexByte(file, '/'); lastSlash > 0 {
		if secondLastSlash := strings.LastIndexByte(file[:lastSlash], '/'); secondLastSlash >= 0 {
			file = file[secondLastSlash+1:]
		}
	}

	c := newCallerInfo(file, function, line)
	x.callerCache.Store(pc, c)

	return c
}

// emit is called directly by the public level methods so that the caller
// frame depth stays constant.
func (x *GameLogger) emit(level, min Level, skip int) *LogEvent {
	var info *callerInfo

	if min > level {
		lc := x.levelChange.Load()
		if lc.Empty() {
			return nil
		}
		info = x.getCallerInfo(skip)
		level = lc.GetLevel(info.file, info.line, level)
		if min > level {
			return nil
		}
	}

	e := x.newEvent()
	e.level = level

	t := time.Now()
	e.Time("time", &t)
	e.Str("level", level.String())

	if x.callerInfo.Load() {
		if info == nil {
			info = x.getCallerInfo(skip)
		}
		e.Str("caller", info.String())
	}

	return e
}
