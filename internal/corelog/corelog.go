// Package corelog provides the leveled, object-scoped Errorf/Infof/
// Debugf logging convention used throughout storecore.
package corelog

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync/atomic"
)

// Level is a log verbosity level.
type Level int32

// Levels, most to least severe.
const (
	LevelError Level = iota
	LevelInfo
	LevelDebug
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

var current int32 = int32(LevelInfo)

// SetLevel adjusts the process-wide log level. Safe to call concurrently.
func SetLevel(l Level) { atomic.StoreInt32(&current, int32(l)) }

// GetLevel returns the current process-wide log level.
func GetLevel() Level { return Level(atomic.LoadInt32(&current)) }

var logger = log.New(os.Stderr, "", log.LstdFlags)

// Logf logs at the given level if it is at or below the configured level.
// o may be nil for global, objectless messages.
func Logf(level Level, o fmt.Stringer, format string, a ...any) {
	if level > GetLevel() {
		return
	}
	msg := fmt.Sprintf(format, a...)
	if o == nil {
		logger.Printf("%s: %s", level, msg)
		return
	}
	logger.Printf("%s: %s: %s", level, o.String(), msg)
}

// Errorf logs an error-level message. The context is accepted for call-site
// symmetry with cancellable operations but is not otherwise consulted.
func Errorf(_ context.Context, o fmt.Stringer, format string, a ...any) {
	Logf(LevelError, o, format, a...)
}

// Infof logs an info-level message.
func Infof(o fmt.Stringer, format string, a ...any) { Logf(LevelInfo, o, format, a...) }

// Debugf logs a debug-level message.
func Debugf(o fmt.Stringer, format string, a ...any) { Logf(LevelDebug, o, format, a...) }

// Tag is a fmt.Stringer wrapper for ad-hoc log subjects that aren't
// themselves a core type (e.g. a bare path or socket name).
type Tag string

func (t Tag) String() string { return string(t) }
