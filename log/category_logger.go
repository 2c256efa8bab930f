package log

import "sync/atomic"

// CategoryLogger logs under a named category ("network", "sql", ...). Every
// event carries a "cat" field, and LogCfg.Categories may give the category
// its own minimum level, overriding the logger wide one.
type CategoryLogger struct {
	base        *GameLogger
	name        string
	minLevel    atomic.Uint32
	hasOverride atomic.Bool
}

// Category returns the logger of a category, creating it on first use.
func (x *GameLogger) Category(name string) *CategoryLogger {
	if v, ok := x.categories.Load(name); ok {
		return v.(*CategoryLogger)
	}

	c := &CategoryLogger{base: x, name: name}
	c.applyConfig(x.GetCurrentConfig())

	actual, _ := x.categories.LoadOrStore(name, c)
	return actual.(*CategoryLogger)
}

func (c *CategoryLogger) applyConfig(cfg *LogCfg) {
	if cfg == nil {
		c.hasOverride.Store(false)
		return
	}
	lv, ok := cfg.CategoryLevel(c.name)
	c.minLevel.Store(uint32(lv))
	c.hasOverride.Store(ok)
}

// Name returns the category name.
func (c *CategoryLogger) Name() string {
	return c.name
}

func (c *CategoryLogger) threshold() Level {
	if c.hasOverride.Load() {
		return Level(c.minLevel.Load())
	}
	return Level(c.base.minLevel.Load())
}

// Enabled reports whether events of level would be written.
func (c *CategoryLogger) Enabled(level Level) bool {
	return c.threshold() <= level
}

func (c *CategoryLogger) Debug() *LogEvent {
	return c.base.emit(DebugLevel, c.threshold(), 0).Str("cat", c.name)
}

func (c *CategoryLogger) Info() *LogEvent {
	return c.base.emit(InfoLevel, c.threshold(), 0).Str("cat", c.name)
}

func (c *CategoryLogger) Warn() *LogEvent {
	return c.base.emit(WarnLevel, c.threshold(), 0).Str("cat", c.name)
}

func (c *CategoryLogger) Error() *LogEvent {
	return c.base.emit(ErrorLevel, c.threshold(), 0).Str("cat", c.name)
}

func (c *CategoryLogger) Fatal() *LogEvent {
	return c.base.emit(FatalLevel, c.threshold(), 0).Str("cat", c.name)
}
