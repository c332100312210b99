package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// slowQueryThreshold is where a statement stops being a debug detail and
// becomes a warning. SQLite runs single-writer here, so one slow statement
// stalls every repository behind it.
const slowQueryThreshold = 200 * time.Millisecond

// gormZap routes GORM's internal logging through the application's zap
// logger instead of GORM's own stdout writer.
type gormZap struct {
	log   *zap.Logger
	level gormlogger.LogLevel
}

// newZapGORMLogger adapts log to gormlogger.Interface. gormlogger.Info
// traces every statement, gormlogger.Silent disables the adapter entirely;
// the zero value falls back to Warn.
func newZapGORMLogger(log *zap.Logger, level gormlogger.LogLevel) gormlogger.Interface {
	if level == 0 {
		level = gormlogger.Warn
	}
	// Skip gorm's callback layers so the caller field points at the
	// repository method, not the ORM internals.
	return &gormZap{log: log.WithOptions(zap.AddCallerSkip(3)), level: level}
}

// LogMode implements the per-session level override behind db.Debug().
func (l *gormZap) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	out := *l
	out.level = level
	return &out
}

func (l *gormZap) Info(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Info {
		l.log.Info(fmt.Sprintf(msg, args...))
	}
}

func (l *gormZap) Warn(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.log.Warn(fmt.Sprintf(msg, args...))
	}
}

func (l *gormZap) Error(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Error {
		l.log.Error(fmt.Sprintf(msg, args...))
	}
}

// Trace runs around every statement. ErrRecordNotFound never logs as an
// error; the repositories translate it to their own sentinel and treat it
// as a normal outcome. Slow queries warn even when statement tracing is off.
func (l *gormZap) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []zap.Field{
		zap.String("sql", sql),
		zap.Duration("elapsed", elapsed),
		zap.Int64("rows", rows),
		zap.String("caller", utils.FileWithLineNum()),
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		l.log.Error("query failed", append(fields, zap.Error(err))...)
	case elapsed > slowQueryThreshold:
		l.log.Warn("slow query", fields...)
	case l.level >= gormlogger.Info:
		l.log.Debug("query", fields...)
	}
}
