package log

import (
	"strconv"
	"strings"
)

type callerInfo struct {
	file     string
	function string
	line     int
	str      string
}

var _UnknownCallerInfo = newCallerInfo("???", "???", 0)

func newCallerInfo(file, function string, line int) *callerInfo {
	return &callerInfo{
		file:     file,
		function: function,
		line:     line,
		str:      file + ":" + strconv.Itoa(line) + " " + function,
	}
}

func (c *callerInfo) String() string {
	return c.str
}

// LevelChangeEntry promotes every event emitted from File (and Line, when
// non-zero) to Level. File is matched as a path suffix.
type LevelChangeEntry struct {
	File  string `mapstructure:"file"`
	Line  int    `mapstructure:"line"`
	Level Level  `mapstructure:"level"`
}

type levelChange struct {
	entries []LevelChangeEntry
}

func newLevelChange(entries []LevelChangeEntry) *levelChange {
	lc := &levelChange{}
	lc.entries = append(lc.entries, entries...)
	return lc
}

func (lc *levelChange) Empty() bool {
	return lc == nil || len(lc.entries) == 0
}

// GetLevel returns the overridden level for a call site, or level unchanged.
func (lc *levelChange) GetLevel(file string, line int, level Level) Level {
	if lc.Empty() {
		return level
	}
	for _, e := range lc.entries {
		if !strings.HasSuffix(file, e.File) {
			continue
		}
		if e.Line != 0 && e.Line != line {
			continue
		}
		return e.Level
	}
	return level
}
