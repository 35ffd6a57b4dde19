// Package logging wires zerolog for recordkit commands and adapts it to GORM.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// Setup configures the global zerolog logger. Console output goes to stderr.
func Setup(level string, console bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	var out io.Writer = os.Stderr
	if console {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	log.Logger = zerolog.New(out).Level(ParseLevel(level)).With().Timestamp().Logger()
}

// ParseLevel converts a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// ParseGormLevel converts silent, error, warn or info into a GORM log level.
func ParseGormLevel(level string) logger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "silent", "off", "disabled":
		return logger.Silent
	case "error":
		return logger.Error
	case "info", "debug", "trace":
		return logger.Info
	default:
		return logger.Warn
	}
}

// GormLogger implements gorm's logger.Interface on top of zerolog.
type GormLogger struct {
	Logger                    zerolog.Logger
	LogLevel                  logger.LogLevel
	SlowThreshold             time.Duration
	Parameterized             bool
	IgnoreRecordNotFoundError bool
}

// NewGormLogger returns a GORM logger writing through l.
func NewGormLogger(l zerolog.Logger, level logger.LogLevel, slow time.Duration) *GormLogger {
	return &GormLogger{
		Logger:                    l,
		LogLevel:                  level,
		SlowThreshold:             slow,
		IgnoreRecordNotFoundError: true,
	}
}

// LogMode returns a copy of the logger with the given level.
func (l *GormLogger) LogMode(level logger.LogLevel) logger.Interface {
	newLogger := *l
	newLogger.LogLevel = level
	return &newLogger
}

// Info logs info messages.
func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= logger.Info {
		l.event(ctx, l.Logger.Info(), msg, data)
	}
}

// Warn logs warning messages.
func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= logger.Warn {
		l.event(ctx, l.Logger.Warn(), msg, data)
	}
}

// Error logs error messages.
func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= logger.Error {
		l.event(ctx, l.Logger.Error(), msg, data)
	}
}

func (l *GormLogger) event(ctx context.Context, e *zerolog.Event, msg string, data []interface{}) {
	e = e.Str("file", utils.FileWithLineNum())
	if len(data) > 0 {
		e = e.Interface("data", data)
	}
	if ctx != nil {
		e = e.Ctx(ctx)
	}
	e.Msg(msg)
}

// Trace logs SQL execution details.
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.LogLevel <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)

	var event *zerolog.Event
	switch {
	case err != nil && l.LogLevel >= logger.Error && (!l.IgnoreRecordNotFoundError || !errors.Is(err, logger.ErrRecordNotFound)):
		event = l.Logger.Error().Err(err)
	case l.SlowThreshold != 0 && elapsed > l.SlowThreshold && l.LogLevel >= logger.Warn:
		event = l.Logger.Warn().Str("slow_threshold", l.SlowThreshold.String())
	case l.LogLevel >= logger.Info:
		event = l.Logger.Debug()
	default:
		return
	}

	sql, rows := fc()
	event = event.
		Str("file", utils.FileWithLineNum()).
		Str("duration", fmt.Sprintf("%.3fms", float64(elapsed.Nanoseconds())/1e6)).
		Str("sql", sql)
	if rows != -1 {
		event = event.Int64("rows", rows)
	}
	if ctx != nil {
		event = event.Ctx(ctx)
	}
	event.Msg("SQL executed")
}

// ParamsFilter drops bound parameters from logged SQL when Parameterized is set.
func (l *GormLogger) ParamsFilter(ctx context.Context, sql string, params ...interface{}) (string, []interface{}) {
	if l.Parameterized {
		return sql, nil
	}
	return sql, params
}
