package journal

import (
	"context"
	"errors"
	"log/slog"
	"time"

	gormlogger "gorm.io/gorm/logger"
)

const slowQuery = 200 * time.Millisecond

// gormLogger routes gorm's logging through slog.
type gormLogger struct {
	logger *slog.Logger
	level  gormlogger.LogLevel
}

func newGormLogger(l *slog.Logger) *gormLogger {
	return &gormLogger{logger: l, level: gormlogger.Warn}
}

func (l *gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *gormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Info {
		l.logger.InfoContext(ctx, msg, "data", data)
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Warn {
		l.logger.WarnContext(ctx, msg, "data", data)
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Error {
		l.logger.ErrorContext(ctx, msg, "data", data)
	}
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	attrs := []any{"sql", sql, "rows", rows, "elapsed_ms", elapsed.Milliseconds()}

	switch {
	case err != nil && !errors.Is(err, gormlogger.ErrRecordNotFound) && l.level >= gormlogger.Error:
		l.logger.ErrorContext(ctx, "query failed", append(attrs, "err", err)...)
	case elapsed > slowQuery && l.level >= gormlogger.Warn:
		l.logger.WarnContext(ctx, "slow query", attrs...)
	case l.level >= gormlogger.Info:
		l.logger.DebugContext(ctx, "query", attrs...)
	}
}
