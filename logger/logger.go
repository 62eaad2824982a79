// Package logger provides the per-subsystem logging backend used across
// pqnode. It follows the daglabs-btcd convention: a single rotating backend,
// one named logger per subsystem, and a level that can be changed at
// runtime without restarting the process.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/jrick/logrotate/rotator"
)

// Level mirrors the standard "off/debug/info/warn/error/critical" ladder
// used by the teacher's logs backend, kept minimal here.
type Level uint32

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelCritical
	LevelOff
)

var levelStrings = map[Level]string{
	LevelTrace:    "TRC",
	LevelDebug:    "DBG",
	LevelInfo:     "INF",
	LevelWarn:     "WRN",
	LevelError:    "ERR",
	LevelCritical: "CRT",
	LevelOff:      "OFF",
}

func (l Level) String() string {
	if s, ok := levelStrings[l]; ok {
		return s
	}
	return "UNK"
}

// ParseLevel turns a level name ("info", "debug", ...) into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	case "critical":
		return LevelCritical, nil
	case "off":
		return LevelOff, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Logger is a single named subsystem logger.
type Logger struct {
	tag   string
	level *Level
	out   io.Writer
	mu    *sync.Mutex
}

func (l *Logger) logf(level Level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < *l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.out, "%s [%s] %s\n", level, l.tag, msg)
}

func (l *Logger) Tracef(format string, args ...interface{})    { l.logf(LevelTrace, format, args...) }
func (l *Logger) Debugf(format string, args ...interface{})    { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})     { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})     { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...interface{})    { l.logf(LevelError, format, args...) }
func (l *Logger) Criticalf(format string, args ...interface{}) { l.logf(LevelCritical, format, args...) }

// SetLevel changes this subsystem's threshold.
func (l *Logger) SetLevel(level Level) { *l.level = level }

type logWriter struct {
	rot *rotator.Rotator
}

func (w logWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	if w.rot != nil {
		return w.rot.Write(p)
	}
	return len(p), nil
}

var (
	backendMu sync.Mutex
	rot       *rotator.Rotator
	loggers   = map[string]*Logger{}
)

// InitLogRotator sets up the rotating log file. Must be called once during
// startup before subsystem output is expected to reach disk; logging to
// stdout works even before this is called.
func InitLogRotator(logFile string, maxRolls int) error {
	backendMu.Lock()
	defer backendMu.Unlock()
	r, err := rotator.New(logFile, 10*1024, false, maxRolls)
	if err != nil {
		return fmt.Errorf("failed to create log rotator: %w", err)
	}
	rot = r
	for _, l := range loggers {
		l.mu.Lock()
		l.out = logWriter{rot: r}
		l.mu.Unlock()
	}
	return nil
}

// Subsystem returns (creating if necessary) the named subsystem logger.
func Subsystem(tag string) *Logger {
	backendMu.Lock()
	defer backendMu.Unlock()
	if l, ok := loggers[tag]; ok {
		return l
	}
	lvl := LevelInfo
	l := &Logger{
		tag:   tag,
		level: &lvl,
		out:   logWriter{rot: rot},
		mu:    &sync.Mutex{},
	}
	loggers[tag] = l
	return l
}

// SetLogLevels sets every known subsystem to the given level, mirroring the
// teacher's bulk subsystem configuration on startup.
func SetLogLevels(level Level) {
	backendMu.Lock()
	defer backendMu.Unlock()
	for _, l := range loggers {
		l.SetLevel(level)
	}
}

// Subsystems returns the sorted list of currently-registered subsystem tags.
func Subsystems() []string {
	backendMu.Lock()
	defer backendMu.Unlock()
	names := make([]string, 0, len(loggers))
	for name := range loggers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// std is a fallback for any package-init-time logging before subsystems are
// registered, matching the teacher's use of a plain *log.Logger in main.
var std = log.New(os.Stderr, "pqnode: ", log.LstdFlags)

// Fatalf logs to the fallback logger and exits; used only at daemon startup
// before subsystem loggers would be meaningful.
func Fatalf(format string, args ...interface{}) {
	std.Fatalf(format, args...)
}
