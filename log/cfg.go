package log

import "fmt"

// LoggerConfigName is the configuration file (and hot-reload key) of the logger.
const LoggerConfigName = "logger"

// LogCfg is the logger configuration, loaded from logger.yaml.
type LogCfg struct {
	// LogPath is the target file of the file appender.
	LogPath string `mapstructure:"path"`

	// LogLevel is the minimum level written. Hot reloadable.
	LogLevel Level `mapstructure:"level"`

	// FileSplitMB rotates the file once it would grow past this size. 0 disables.
	FileSplitMB int `mapstructure:"splitmb"`

	// FileSplitHour rotates the file daily at this hour (0-23). -1 disables.
	FileSplitHour int `mapstructure:"splithour"`

	// IsAsync batches file writes on a background goroutine.
	IsAsync bool `mapstructure:"isasync"`

	// AsyncCacheSize bounds the number of queued lines in async mode.
	// Writers block when the queue is full.
	AsyncCacheSize int `mapstructure:"asynccachesize"`

	// AsyncWriteMillSec is the async flush interval.
	AsyncWriteMillSec int `mapstructure:"asyncwritemillsec"`

	// CallerSkip is the number of extra stack frames between the caller and
	// the logger, 1 for the package level helpers.
	CallerSkip int `mapstructure:"callerSkip"`

	FileAppender    bool `mapstructure:"fileAppender"`
	ConsoleAppender bool `mapstructure:"consoleAppender"`

	// CrossProcessLock takes an advisory file lock around every write so
	// several processes can share one log file.
	CrossProcessLock bool `mapstructure:"crossProcessLock"`

	// LevelChange promotes the level of events emitted from specific code
	// locations, for debugging one component in production.
	LevelChange []LevelChangeEntry `mapstructure:"levelChange"`

	// Categories overrides the minimum level per logging category, e.g.
	//   categories:
	//     network: debug
	//     sql: warn
	Categories map[string]Level `mapstructure:"categories"`

	EnabledCallerInfo bool `mapstructure:"enabledCallerInfo"`
}

func (cfg *LogCfg) GetName() string {
	return LoggerConfigName
}

func (cfg *LogCfg) Validate() error {
	if cfg.LogLevel > FatalLevel {
		return fmt.Errorf("invalid log level %d", cfg.LogLevel)
	}
	if cfg.FileAppender && cfg.LogPath == "" {
		return fmt.Errorf("file appender requires a path")
	}
	if cfg.FileSplitMB < 0 {
		return fmt.Errorf("splitmb must not be negative")
	}
	if cfg.FileSplitHour < -1 || cfg.FileSplitHour > 23 {
		return fmt.Errorf("splithour must be within -1..23")
	}
	for name, lv := range cfg.Categories {
		if lv > FatalLevel {
			return fmt.Errorf("invalid level %d for category %s", lv, name)
		}
	}
	return nil
}

// CategoryLevel returns the configured minimum level of a category.
func (cfg *LogCfg) CategoryLevel(category string) (Level, bool) {
	lv, ok := cfg.Categories[category]
	return lv, ok
}

var _defaultCfg = &LogCfg{
	LogPath:         "./worldserver.log",
	LogLevel:        DebugLevel,
	FileSplitMB:     50,
	FileSplitHour:   0,
	IsAsync:         true,
	CallerSkip:      1,
	FileAppender:    false,
	ConsoleAppender: true,
}

func getDefaultCfg() *LogCfg {
	return _defaultCfg
}
