package logx

import (
	"io"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
}

// Logger writes leveled events with a fixed set of context fields.
// The zero value discards everything.
type Logger struct {
	live   *Service // nil for standalone loggers
	static *zerolog.Logger
	ctx    []Field
}

// Nop discards everything. Components default to it when handed a zero Logger.
func Nop() Logger {
	zl := zerolog.Nop()
	return Logger{static: &zl}
}

// NewWriter logs JSON lines to w at the given level. Tests use it to capture
// output.
func NewWriter(w io.Writer, level string) Logger {
	zl := build(w, level)
	return Logger{static: &zl}
}

func (l Logger) IsZero() bool { return l.live == nil && l.static == nil && len(l.ctx) == 0 }

// With derives a logger that adds fields to every event.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	out := l
	out.ctx = make([]Field, 0, len(l.ctx)+len(fields))
	out.ctx = append(append(out.ctx, l.ctx...), fields...)
	return out
}

func (l Logger) Trace(msg string, fields ...Field) { l.emit(zerolog.TraceLevel, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

func (l Logger) sink() zerolog.Logger {
	switch {
	case l.live != nil:
		return l.live.current()
	case l.static != nil:
		return *l.static
	}
	return zerolog.Nop()
}

func (l Logger) emit(level zerolog.Level, msg string, fields []Field) {
	zl := l.sink()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	// emit <- Info/Warn/... <- call site
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, set := range l.ctx {
		if set != nil {
			set(e)
		}
	}
	for _, set := range fields {
		if set != nil {
			set(e)
		}
	}
	e.Msg(msg)
}

func build(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Logger()
}

// console renders "file.go:42" as is instead of zerolog's colored path.
func console(w io.Writer) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
	cw.FormatCaller = func(i any) string {
		s, _ := i.(string)
		return s
	}
	return cw
}

// parseLevel maps a config level name to zerolog; unknown names mean info.
func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}
