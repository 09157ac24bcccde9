package logging

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// timeLayout is the timestamp prepended to every log line.
const timeLayout = "2006-01-02 15:04:05.000"

// FileLogger appends timestamped operational messages to a file. A logger
// may carry a subsystem prefix so lines from different components can share
// one file and still be told apart. Safe for concurrent use.
type FileLogger struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	prefix string
	closed bool
}

// NewFileLogger opens (or creates) the log file at path in append mode.
func NewFileLogger(path string) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("logging: open %s: %w", path, err)
	}
	return &FileLogger{file: file, path: path}, nil
}

// Path returns the file the logger writes to.
func (l *FileLogger) Path() string {
	return l.path
}

// SetPrefix tags every subsequent line with the given subsystem prefix.
// An empty prefix turns tagging off.
func (l *FileLogger) SetPrefix(prefix string) {
	l.mu.Lock()
	l.prefix = prefix
	l.mu.Unlock()
}

// Log writes one formatted, timestamped line. Calls after Close are
// silently dropped.
func (l *FileLogger) Log(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	line := time.Now().Format(timeLayout)
	if l.prefix != "" {
		line += " [" + l.prefix + "]"
	}
	line += " " + fmt.Sprintf(format, args...) + "\n"
	l.file.WriteString(line)
}

// LogError records a failure with the context it occurred in.
func (l *FileLogger) LogError(context string, err error) {
	l.Log("ERROR %s: %v", context, err)
}

// Close flushes and closes the log file. Idempotent.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	l.file.Sync()
	return l.file.Close()
}
