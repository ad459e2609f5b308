// Package logging provides leveled console logging for ebpa-setup.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is a log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the upper-case name used in text output.
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

// ParseLevel converts a level name to a Level. Matching is case-insensitive
// but the input is not trimmed.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("invalid log level %q (want debug, info, warn or error)", s)
}

var (
	mu     sync.Mutex
	level  = LevelInfo
	out    io.Writer = os.Stdout
	asJSON bool
)

// SetLevel sets the minimum level that is written.
func SetLevel(l Level) {
	mu.Lock()
	level = l
	mu.Unlock()
}

// GetLevel returns the current minimum level.
func GetLevel() Level {
	mu.Lock()
	defer mu.Unlock()
	return level
}

// SetOutput redirects log output. A nil writer restores stdout.
func SetOutput(w io.Writer) {
	mu.Lock()
	if w == nil {
		w = os.Stdout
	}
	out = w
	mu.Unlock()
}

// SetFormat selects "json" or "text" output. Anything else means text.
func SetFormat(format string) {
	mu.Lock()
	asJSON = strings.EqualFold(format, "json")
	mu.Unlock()
}

type jsonEntry struct {
	TS    string `json:"ts"`
	Level string `json:"level"`
	Msg   string `json:"msg"`
}

func logf(l Level, format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if l < level {
		return
	}

	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	now := time.Now()

	if asJSON {
		b, err := json.Marshal(jsonEntry{
			TS:    now.Format(time.RFC3339Nano),
			Level: strings.ToLower(l.String()),
			Msg:   msg,
		})
		if err != nil {
			return
		}
		out.Write(append(b, '\n'))
		return
	}
	fmt.Fprintf(out, "%s [%s] %s\n", now.Format("2006-01-02 15:04:05"), l, msg)
}

// Debug logs at debug level.
func Debug(format string, args ...interface{}) { logf(LevelDebug, format, args...) }

// Info logs at info level.
func Info(format string, args ...interface{}) { logf(LevelInfo, format, args...) }

// Warn logs at warn level.
func Warn(format string, args ...interface{}) { logf(LevelWarn, format, args...) }

// Error logs at error level.
func Error(format string, args ...interface{}) { logf(LevelError, format, args...) }

// Configure applies a level name and format in one call, as read from config
// or flags. An empty level leaves the current level alone.
func Configure(levelName, format string) error {
	if levelName != "" {
		l, err := ParseLevel(levelName)
		if err != nil {
			return err
		}
		SetLevel(l)
	}
	if format != "" {
		SetFormat(format)
	}
	return nil
}
