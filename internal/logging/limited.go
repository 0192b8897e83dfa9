package logging

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Limited returns a logger whose Debug and Warn output is capped at one line
// per interval with the given burst. Info and Error always pass through.
// Suppressed lines are counted and reported on the next line that passes.
func Limited(base Logger, every time.Duration, burst int) Logger {
	if base == nil {
		base = Nop()
	}
	if burst <= 0 {
		burst = 1
	}
	return &limitedLogger{
		base:    base,
		limiter: rate.NewLimiter(rate.Every(every), burst),
		dropped: new(atomic.Int64),
	}
}

type limitedLogger struct {
	base    Logger
	limiter *rate.Limiter
	dropped *atomic.Int64
}

func (l *limitedLogger) Debug(msg string, fields ...Field) {
	if !l.base.Enabled(Debug) {
		return
	}
	if fields, ok := l.admit(fields); ok {
		l.base.Debug(msg, fields...)
	}
}

func (l *limitedLogger) Warn(msg string, fields ...Field) {
	if fields, ok := l.admit(fields); ok {
		l.base.Warn(msg, fields...)
	}
}

func (l *limitedLogger) Info(msg string, fields ...Field)  { l.base.Info(msg, fields...) }
func (l *limitedLogger) Error(msg string, fields ...Field) { l.base.Error(msg, fields...) }

func (l *limitedLogger) Enabled(level Level) bool { return l.base.Enabled(level) }

func (l *limitedLogger) With(fields ...Field) Logger {
	return &limitedLogger{base: l.base.With(fields...), limiter: l.limiter, dropped: l.dropped}
}

func (l *limitedLogger) admit(fields []Field) ([]Field, bool) {
	if !l.limiter.Allow() {
		l.dropped.Add(1)
		return nil, false
	}
	if n := l.dropped.Swap(0); n > 0 {
		fields = append(append([]Field{}, fields...), F("suppressed", n))
	}
	return fields, true
}
