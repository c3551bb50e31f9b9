//nolint:goprintffuncname
package sql

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// queryLogger sends gorm output to logrus. Statements are logged at debug
// level, slow statements at warn level and failing ones at error level.
type queryLogger struct {
	log           *logrus.Logger
	slowThreshold time.Duration
}

//nolint:ireturn
func newQueryLogger(log *logrus.Logger, slowThreshold time.Duration) logger.Interface {
	return &queryLogger{log: log, slowThreshold: slowThreshold}
}

//nolint:ireturn
func (q *queryLogger) LogMode(logger.LogLevel) logger.Interface {
	return q
}

func (q *queryLogger) withCaller(ctx context.Context) *logrus.Entry {
	return q.log.WithContext(ctx).WithField("caller", utils.FileWithLineNum())
}

func (q *queryLogger) Info(ctx context.Context, format string, args ...interface{}) {
	q.withCaller(ctx).Infof(format, args...)
}

func (q *queryLogger) Warn(ctx context.Context, format string, args ...interface{}) {
	q.withCaller(ctx).Warnf(format, args...)
}

func (q *queryLogger) Error(ctx context.Context, format string, args ...interface{}) {
	q.withCaller(ctx).Errorf(format, args...)
}

// level picks the level a finished statement is logged at. Missing records
// are an expected outcome of lookups and only show up in debug output.
func (q *queryLogger) level(err error, elapsed time.Duration) logrus.Level {
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		return logrus.ErrorLevel
	case q.slowThreshold > 0 && elapsed > q.slowThreshold:
		return logrus.WarnLevel
	default:
		return logrus.DebugLevel
	}
}

func (q *queryLogger) Trace(ctx context.Context, begin time.Time, statement func() (string, int64), err error) {
	elapsed := time.Since(begin)

	level := q.level(err, elapsed)
	if !q.log.IsLevelEnabled(level) {
		return
	}

	sql, rows := statement()

	entry := q.withCaller(ctx).WithFields(logrus.Fields{
		"elapsed_ms": float64(elapsed.Microseconds()) / 1000, //nolint:mnd
		"sql":        sql,
	})
	if rows >= 0 {
		entry = entry.WithField("rows", rows)
	}

	switch level {
	case logrus.ErrorLevel:
		entry.WithError(err).Error("Query failed")
	case logrus.WarnLevel:
		entry.Warnf("Slow query over %v", q.slowThreshold)
	default:
		entry.Debug("Query")
	}
}
