// clock.go — 可注入时钟端口，测试中用假时钟确定性推进节流定时器。
package engine

import "time"

// Clock abstracts time for the throttle layer.
type Clock interface {
	Now() time.Time
	// AfterFunc schedules fn after d on the clock's timeline and
	// returns a handle that can cancel it before it fires.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop cancels the timer; reports whether it was still pending.
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return systemTimer{t: time.AfterFunc(d, fn)}
}

type systemTimer struct{ t *time.Timer }

func (st systemTimer) Stop() bool { return st.t.Stop() }

// SystemClock returns the wall clock used outside tests.
func SystemClock() Clock { return systemClock{} }
