package log

import (
	"sync/atomic"

	"github.com/lcx/worldcore/config"
)

type Logger interface {
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	Fatal() *LogEvent
	GetAppender() []LogAppender
	AddAppender(appender LogAppender)
	OnEventEnd(e *LogEvent)
}

var _defaultLogger atomic.Pointer[GameLogger]

func init() {
	_defaultLogger.Store(NewLogger(nil))
}

func defaultLogger() *GameLogger {
	return _defaultLogger.Load()
}

// AddAppender adds an appender to the default logger.
func AddAppender(appender LogAppender) {
	defaultLogger().AddAppender(appender)
}

// Refresh flushes the appenders of the default logger.
func Refresh() {
	defaultLogger().Refresh()
}

// SetDefaultLogger replaces the logger behind the package level functions.
func SetDefaultLogger(logger *GameLogger) {
	_defaultLogger.Store(logger)
}

// DefaultLogger returns the logger behind the package level functions.
func DefaultLogger() *GameLogger {
	return defaultLogger()
}

// InitializeWithConfigManager loads logger.yaml through configManager,
// installs the resulting logger as default and subscribes it to reloads.
func InitializeWithConfigManager(configManager config.ConfigManager) error {
	if configManager == nil {
		return nil
	}

	logCfg := &LogCfg{}
	if err := configManager.LoadConfig(LoggerConfigName, logCfg); err != nil {
		return err
	}

	SetDefaultLogger(NewLoggerWithConfigManager(logCfg, configManager))
	return nil
}

// Category returns a category logger on top of the default logger.
func Category(name string) *CategoryLogger {
	return defaultLogger().Category(name)
}

func Debug() *LogEvent {
	return defaultLogger().Debug()
}

func Info() *LogEvent {
	return defaultLogger().Info()
}

func Warn() *LogEvent {
	return defaultLogger().Warn()
}

func Error() *LogEvent {
	return defaultLogger().Error()
}

func Fatal() *LogEvent {
	return defaultLogger().Fatal()
}
