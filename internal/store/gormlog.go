package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormLogger routes GORM's logger through the global zerolog logger.
type GormLogger struct {
	SlowThreshold time.Duration
	LogLevel      logger.LogLevel
}

// NewGormLogger creates a GORM logger. Queries slower than slowThreshold are
// logged at WARN; zero disables slow-query logging.
func NewGormLogger(slowThreshold time.Duration, logLevel logger.LogLevel) *GormLogger {
	return &GormLogger{
		SlowThreshold: slowThreshold,
		LogLevel:      logLevel,
	}
}

// LogMode implements logger.Interface
func (l *GormLogger) LogMode(level logger.LogLevel) logger.Interface {
	newLogger := *l
	newLogger.LogLevel = level
	return &newLogger
}

// Info implements logger.Interface
func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= logger.Info {
		log.Info().Str("component", "gorm").Msg(fmt.Sprintf(msg, data...))
	}
}

// Warn implements logger.Interface
func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= logger.Warn {
		log.Warn().Str("component", "gorm").Msg(fmt.Sprintf(msg, data...))
	}
}

// Error implements logger.Interface
func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= logger.Error {
		log.Error().Str("component", "gorm").Msg(fmt.Sprintf(msg, data...))
	}
}

// Trace implements logger.Interface
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.LogLevel <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()

	switch {
	case err != nil && l.LogLevel >= logger.Error &&
		!errors.Is(err, gorm.ErrRecordNotFound) && !errors.Is(err, gorm.ErrDuplicatedKey):
		// Duplicate keys are reported by the caller with more context.
		log.Error().Err(err).
			Str("sql", sql).
			Dur("duration", elapsed).
			Int64("rowsAffected", rows).
			Msg("Database query failed")
	case l.SlowThreshold != 0 && elapsed > l.SlowThreshold && l.LogLevel >= logger.Warn:
		log.Warn().
			Str("sql", sql).
			Dur("duration", elapsed).
			Dur("threshold", l.SlowThreshold).
			Int64("rowsAffected", rows).
			Msg("Slow query detected")
	case l.LogLevel >= logger.Info:
		log.Debug().
			Str("sql", sql).
			Dur("duration", elapsed).
			Int64("rowsAffected", rows).
			Msg("Database query")
	}
}
