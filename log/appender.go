package log

import (
	"os"
	"sync"
)

// LogAppender is an output destination for formatted log lines.
type LogAppender interface {
	Write(p []byte) (int, error)
	// Refresh flushes whatever the appender has buffered.
	Refresh()
	Close() error
}

// ConsoleAppender writes log lines to stdout.
type ConsoleAppender struct {
	mu sync.Mutex
}

func NewConsoleAppender() *ConsoleAppender {
	return &ConsoleAppender{}
}

func (c *ConsoleAppender) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return os.Stdout.Write(p)
}

func (c *ConsoleAppender) Refresh() {}

func (c *ConsoleAppender) Close() error {
	return nil
}
