package observability

import (
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger creates a structured JSON logger for one component.
// Level comes from CDP_LOG_LEVEL (default info). When CDP_LOG_FILE is set the
// output goes to a size-rotated file instead of stdout.
func NewLogger(component string) zerolog.Logger {
	level := parseLogLevel(os.Getenv("CDP_LOG_LEVEL"))
	return NewLoggerWithLevel(component, level)
}

// NewLoggerWithLevel creates a logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(logSink()).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

var (
	sinkMu   sync.Mutex
	fileSink *lumberjack.Logger
)

// logSink returns the shared rotating file when configured. All components
// write to the same lumberjack.Logger so rotation happens once.
func logSink() io.Writer {
	path := os.Getenv("CDP_LOG_FILE")
	if path == "" {
		return os.Stdout
	}
	sinkMu.Lock()
	defer sinkMu.Unlock()
	if fileSink == nil || fileSink.Filename != path {
		fileSink = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    envInt("CDP_LOG_MAX_SIZE_MB", 100),
			MaxBackups: envInt("CDP_LOG_MAX_BACKUPS", 5),
			Compress:   true,
		}
	}
	return fileSink
}

// CloseLogSink flushes and closes the rotating file, if one is open.
func CloseLogSink() error {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	if fileSink == nil {
		return nil
	}
	return fileSink.Close()
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return def
}

func parseLogLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
