package log

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/rs/xid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// Log absolutely nothing
	LOGLEVEL_NONE int = iota
	// Log situations that are not expected to happen and
	// are difficult to handle (e.g. protocol violations that take down a connection)
	LOGLEVEL_ERRORS
	// Log non-critical situations that might happen, but shouldn't (e.g. a reply nobody waits for)
	LOGLEVEL_WARNINGS
	// Log situations that are expected, but important for the operation
	LOGLEVEL_INFO
	// Log everything
	LOGLEVEL_DEBUG
)

var loglevel_strings []string = []string{"[NON]", "[ERR]", "[WRN]", "[INF]", "[DBG]"}

var logger atomic.Pointer[zap.SugaredLogger]
var loglevel atomic.Int32

func init() {
	encoder := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoder), zapcore.Lock(os.Stderr), zapcore.DebugLevel)
	SetLogger(zap.New(core))
	loglevel.Store(int32(LOGLEVEL_ERRORS))
}

// Replace the logger that messages are written to. Levels are still filtered by SetLoglevel.
func SetLogger(l *zap.Logger) {
	logger.Store(l.Named("rdmarpc").Sugar())
}

// Set the global log level
func SetLoglevel(ll int) {
	loglevel.Store(int32(ll))
}

// Performance-enhancer: Prevent unnecessary log calls
func IsLoggingEnabled(ll int) bool {
	return int(loglevel.Load()) >= ll
}

func LoglevelString(ll int) string {
	if ll < 0 || ll >= len(loglevel_strings) {
		return "[???]"
	}
	return loglevel_strings[ll]
}

// Parses "errors", "warnings", "info", "debug" or "none".
func ParseLoglevel(s string) (int, error) {
	switch strings.ToLower(s) {
	case "none":
		return LOGLEVEL_NONE, nil
	case "error", "errors":
		return LOGLEVEL_ERRORS, nil
	case "warn", "warning", "warnings":
		return LOGLEVEL_WARNINGS, nil
	case "info":
		return LOGLEVEL_INFO, nil
	case "debug":
		return LOGLEVEL_DEBUG, nil
	}
	return LOGLEVEL_NONE, fmt.Errorf("unknown log level %q", s)
}

func Log(ll int, what ...interface{}) {
	if ll == LOGLEVEL_NONE || !IsLoggingEnabled(ll) {
		return
	}
	msg := strings.TrimSuffix(fmt.Sprintln(what...), "\n")
	l := logger.Load()

	switch ll {
	case LOGLEVEL_ERRORS:
		l.Error(msg)
	case LOGLEVEL_WARNINGS:
		l.Warn(msg)
	case LOGLEVEL_INFO:
		l.Info(msg)
	default:
		l.Debug(msg)
	}
}

// Returns a short unique string.
// This is used to assign special tokens to invocations in order to track them across log lines.
func GetLogToken() string {
	return xid.New().String()
}
