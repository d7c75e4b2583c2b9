package health

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// LoopMonitor tracks whether a background job is still running on schedule.
type LoopMonitor struct {
	lastTickUnixNano atomic.Int64
	lastErr          atomic.Pointer[string]
}

func (m *LoopMonitor) Tick() {
	m.lastTickUnixNano.Store(time.Now().UnixNano())
}

// SetError records err; nil clears the previous error.
func (m *LoopMonitor) SetError(err error) {
	if err == nil {
		m.lastErr.Store(nil)
		return
	}
	msg := err.Error()
	m.lastErr.Store(&msg)
}

func (m *LoopMonitor) LastError() string {
	if p := m.lastErr.Load(); p != nil {
		return *p
	}
	return ""
}

// Healthy returns whether the loop has ticked within maxAge.
// Before the first Tick it returns ok=false.
func (m *LoopMonitor) Healthy(now time.Time, maxAge time.Duration) (ok bool, age time.Duration, lastErr string) {
	lastErr = m.LastError()
	last := m.lastTickUnixNano.Load()
	if last <= 0 {
		return false, 0, lastErr
	}
	t := time.Unix(0, last)
	if now.Before(t) {
		return true, 0, lastErr
	}
	age = now.Sub(t)
	if maxAge <= 0 {
		maxAge = 10 * time.Second
	}
	return age <= maxAge, age, lastErr
}

// Checker exposes the monitor as a health dependency. A loop that has not
// ticked yet, or ticked too long ago, reports degraded rather than down.
func (m *LoopMonitor) Checker(name string, maxAge time.Duration) Checker {
	return CheckFunc{
		CheckName: name,
		Fn: func(context.Context) CheckResult {
			ok, age, lastErr := m.Healthy(time.Now(), maxAge)
			switch {
			case !ok && age == 0:
				return CheckResult{Status: StatusDegraded, Message: "not started"}
			case !ok:
				return CheckResult{Status: StatusDegraded, Message: fmt.Sprintf("stale for %s", age.Round(time.Second))}
			case lastErr != "":
				return CheckResult{Status: StatusDegraded, Message: lastErr}
			default:
				return CheckResult{Status: StatusUp}
			}
		},
	}
}
