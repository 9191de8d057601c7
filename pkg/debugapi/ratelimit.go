package debugapi

import "time"

// Clock is the time source of the log limiter.
type Clock interface {
	Now() time.Time
	// AfterFunc runs f after d and returns a function that cancels it.
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// logLimiter counts logpoint emissions in one second windows.
type logLimiter struct {
	max       int
	clock     Clock
	count     int
	windowEnd time.Time
}

func newLogLimiter(max int, clock Clock) *logLimiter {
	return &logLimiter{max: max, clock: clock}
}

// record counts one emission and reports whether the window's quota is now
// used up.
func (l *logLimiter) record() bool {
	now := l.clock.Now()
	if now.After(l.windowEnd) {
		l.count = 0
		l.windowEnd = now.Add(time.Second)
	}
	l.count++
	return l.max > 0 && l.count >= l.max
}
