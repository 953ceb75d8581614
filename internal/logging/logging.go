// Package logging provides leveled, process-wide logging on top of the
// standard logger. Debug lines carry the caller's file, line and function.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
)

// Log levels, ordered from quietest to most verbose.
const (
	None = iota
	Error
	Warning
	Info
	Debug
)

// levelNames holds the canonical name of each level, as accepted by ParseLevel.
var levelNames = map[int]string{
	None:    "none",
	Error:   "error",
	Warning: "warn",
	Info:    "info",
	Debug:   "debug",
}

// currentLevel is read on every log call from many goroutines.
var currentLevel atomic.Int32
var logger = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lmicroseconds)

func init() {
	currentLevel.Store(Info)
}

// SetLevel sets the global level, clamped to [None, Debug].
func SetLevel(level int) {
	if level < None {
		level = None
	} else if level > Debug {
		level = Debug
	}
	currentLevel.Store(int32(level))
	if level >= Debug {
		logf(Debug, "", "Log level set to %s", levelNames[level])
	}
}

// GetLevel returns the current global level.
func GetLevel() int {
	return int(currentLevel.Load())
}

// Enabled reports whether messages at level would be written.
func Enabled(level int) bool {
	return int32(level) <= currentLevel.Load()
}

// LevelName returns the canonical lowercase name of a level.
func LevelName(level int) string {
	if name, ok := levelNames[level]; ok {
		return name
	}
	return "unknown"
}

// ParseLevel converts a case-insensitive level name to its constant.
// Unknown names yield Info and an error.
func ParseLevel(levelStr string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "none":
		return None, nil
	case "error":
		return Error, nil
	case "warn", "warning":
		return Warning, nil
	case "info":
		return Info, nil
	case "debug":
		return Debug, nil
	default:
		return Info, fmt.Errorf("invalid log level string: '%s'", levelStr)
	}
}

// SetupLogging parses levelStr and applies it, falling back to Info on bad input.
// It returns the level actually set.
func SetupLogging(levelStr string) int {
	level, err := ParseLevel(levelStr)
	if err != nil {
		logf(Warning, "", "Invalid log level '%s' provided, defaulting to 'info'. Error: %v", levelStr, err)
	}
	SetLevel(level)
	return level
}

// SetOutput redirects all log output. Tests use it to capture lines.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

// Logger tags every line with a component name, e.g. "[resolver]".
// The zero value logs without a tag.
type Logger struct {
	component string
}

// For returns a Logger bound to a component name.
func For(component string) Logger {
	return Logger{component: component}
}

// Logf writes a line through the global level filter.
func (l Logger) Logf(level int, format string, v ...interface{}) {
	logf(level, l.component, format, v...)
}

// Logf logs a formatted message if level is enabled.
func Logf(level int, format string, v ...interface{}) {
	logf(level, "", format, v...)
}

// logf must be called exactly one frame below a public entry point so that
// runtime.Caller(2) resolves to the caller's site.
func logf(level int, component, format string, v ...interface{}) {
	if int32(level) > currentLevel.Load() {
		return
	}

	// Level tag first, then the debug call site, then the component.
	var prefix string
	switch level {
	case Error:
		prefix = "[ERROR] "
	case Warning:
		prefix = "[WARN] "
	case Info:
		prefix = "[INFO] "
	case Debug:
		prefix = "[DEBUG] "
	default:
		prefix = "[UNKN] "
	}

	if level == Debug {
		// Skip logf and the public wrapper.
		if pc, file, line, ok := runtime.Caller(2); ok {
			funcName := "???"
			if f := runtime.FuncForPC(pc); f != nil {
				funcName = filepath.Base(f.Name())
			}
			prefix = fmt.Sprintf("%s%s:%d:%s ", prefix, filepath.Base(file), line, funcName)
		} else {
			prefix += "???:0:??? "
		}
	}
	if component != "" {
		prefix += "[" + component + "] "
	}

	logger.Println(prefix + fmt.Sprintf(format, v...))
}
