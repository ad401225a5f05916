package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config/env string to a Level. Unknown values yield info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

var (
	sinkInstance *sink
	sinkOnce     sync.Once
)

// sink is the process-wide log destination shared by component loggers.
// It writes to ~/.taskflow/taskflow.log and mirrors to stderr so service
// wrappers can redirect output.
type sink struct {
	mu     sync.Mutex
	file   *os.File
	out    *log.Logger
	level  Level
	stderr bool
}

func getSink() *sink {
	sinkOnce.Do(func() {
		sinkInstance = newSink(ParseLevel(os.Getenv("TASKFLOW_LOG_LEVEL")))
	})
	return sinkInstance
}

func newSink(level Level) *sink {
	s := &sink{level: level, stderr: os.Getenv("TASKFLOW_LOG_STDERR") != "0"}

	home, err := os.UserHomeDir()
	if err != nil {
		return s
	}
	dir := filepath.Join(home, ".taskflow")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return s
	}
	file, err := os.OpenFile(filepath.Join(dir, "taskflow.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return s
	}
	s.file = file
	s.out = log.New(file, "", 0)
	return s
}

// SetLevel adjusts the minimum level of the process sink.
func SetLevel(level Level) {
	s := getSink()
	s.mu.Lock()
	s.level = level
	s.mu.Unlock()
}

// Close flushes and closes the process log file.
func Close() error {
	s := getSink()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

func (s *sink) write(level Level, component, format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if level < s.level {
		return
	}

	_, file, line, ok := runtime.Caller(3)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	if component == "" {
		component = "taskflow"
	}
	message := fmt.Sprintf(format, args...)
	logLine := fmt.Sprintf("%s [%s] [%s] %s:%d - %s",
		time.Now().Format("2006-01-02 15:04:05"), level, component, file, line, message)
	logLine = Redact(logLine)

	if s.out != nil {
		s.out.Print(logLine)
	}
	if s.stderr {
		fmt.Fprintln(os.Stderr, logLine)
	}
}

type componentLogger struct {
	component string
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{component: component}
}

func (l *componentLogger) Debug(format string, args ...any) {
	getSink().write(LevelDebug, l.component, format, args...)
}

func (l *componentLogger) Info(format string, args ...any) {
	getSink().write(LevelInfo, l.component, format, args...)
}

func (l *componentLogger) Warn(format string, args ...any) {
	getSink().write(LevelWarn, l.component, format, args...)
}

func (l *componentLogger) Error(format string, args ...any) {
	getSink().write(LevelError, l.component, format, args...)
}
