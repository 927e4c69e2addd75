// Package ratelog wraps a logrus entry with a token bucket so warnings that
// can fire once per command do not flood the log.
package ratelog

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Defaults used by New
const (
	DefaultEvery = time.Second
	DefaultBurst = 5
)

// Logger logs through entry no more often than its limiter allows. Dropped
// events are counted and reported with the next one that gets through.
type Logger struct {
	entry   *logrus.Entry
	limit   *rate.Limiter
	dropped atomic.Int64
}

// New returns a Logger allowing one event per second with a burst of five
func New(entry *logrus.Entry) *Logger {
	return NewWithLimit(entry, DefaultEvery, DefaultBurst)
}

// NewWithLimit returns a Logger allowing one event per every with the given
// burst
func NewWithLimit(entry *logrus.Entry, every time.Duration, burst int) *Logger {
	if burst < 1 {
		burst = 1
	}
	return &Logger{
		entry: entry,
		limit: rate.NewLimiter(rate.Every(every), burst),
	}
}

// Dropped returns how many events have been suppressed and not yet reported
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

func (l *Logger) log(level logrus.Level, fields logrus.Fields, err error, msg string) bool {
	if !l.entry.Logger.IsLevelEnabled(level) {
		return false
	}
	if !l.limit.Allow() {
		l.dropped.Add(1)
		return false
	}

	e := l.entry.WithFields(fields)
	if n := l.dropped.Swap(0); n > 0 {
		e = e.WithField("suppressed", n)
	}
	if err != nil {
		e = e.WithError(err)
	}
	e.Log(level, msg)
	return true
}

// Warn logs msg at warning level. It reports whether the event was written.
func (l *Logger) Warn(fields logrus.Fields, err error, msg string) bool {
	return l.log(logrus.WarnLevel, fields, err, msg)
}

// Error logs msg at error level. It reports whether the event was written.
func (l *Logger) Error(fields logrus.Fields, err error, msg string) bool {
	return l.log(logrus.ErrorLevel, fields, err, msg)
}
