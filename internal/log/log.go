package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

var (
	mu       sync.RWMutex
	logger   zerolog.Logger
	initOnce sync.Once
	minLevel = LevelInfo
)

// initLogger sets up the global console logger on stderr.
func initLogger() {
	initOnce.Do(func() {
		zerolog.TimeFieldFormat = consoleTimeFormat
		zerolog.ErrorFieldName = "err"
		logger = newLogger(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: consoleTimeFormat}, minLevel)
	})
}

func newLogger(w io.Writer, l Level) zerolog.Logger {
	return zerolog.New(w).Level(toZerolog(l)).With().Timestamp().Logger()
}

// SetOutput redirects log output, e.g. to a buffer in tests or to a JSON sink.
// Writers other than zerolog.ConsoleWriter receive one JSON object per line.
func SetOutput(w io.Writer) {
	initLogger()
	mu.Lock()
	defer mu.Unlock()
	logger = newLogger(w, minLevel)
}

func SetLevel(l Level) {
	initLogger()
	mu.Lock()
	defer mu.Unlock()
	minLevel = l
	logger = logger.Level(toZerolog(l))
}

// ParseLevel maps a config string to a Level. Unknown values yield INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func Debug(msg string, kv ...any) {
	logWithLevel(LevelDebug, msg, nil, kv...)
}

func Info(msg string, kv ...any) {
	logWithLevel(LevelInfo, msg, nil, kv...)
}

func Warn(msg string, err error, kv ...any) {
	logWithLevel(LevelWarn, msg, err, kv...)
}

func Error(msg string, err error, kv ...any) {
	logWithLevel(LevelError, msg, err, kv...)
}

func logWithLevel(level Level, msg string, err error, kv ...any) {
	initLogger()
	mu.RLock()
	l := logger
	mu.RUnlock()

	ev := l.WithLevel(toZerolog(level))
	if ev == nil {
		return
	}
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Fields(pairs(kv...)).Msg(msg)
}

func toZerolog(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// pairs turns key, value, key, value ... into a field map.
// Non-string keys are rendered with fmt; a trailing odd value is dropped.
func pairs(kv ...any) map[string]any {
	out := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		out[key] = kv[i+1]
	}
	return out
}
