package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func staticCheck(name string, status Status) Checker {
	return CheckFunc{CheckName: name, Fn: func(context.Context) CheckResult {
		return CheckResult{Status: status}
	}}
}

type pingCmd struct{ err error }

func (p pingCmd) Err() error { return p.err }

type fakeRedis struct{ err error }

func (f fakeRedis) Ping(context.Context) RedisPingCmd { return pingCmd{err: f.err} }

func TestReadyRequiresSetReady(t *testing.T) {
	h := New()
	if got := h.Ready(context.Background()).Status; got != StatusDown {
		t.Fatalf("Ready before SetReady = %s, want down", got)
	}
	h.SetReady(true)
	if got := h.Ready(context.Background()).Status; got != StatusUp {
		t.Fatalf("Ready after SetReady = %s, want up", got)
	}
}

func TestOptionalDependencyDegrades(t *testing.T) {
	h := New()
	h.SetReady(true)
	h.Register(NewRedisChecker(fakeRedis{err: errors.New("connection refused")}))

	resp := h.Ready(context.Background())
	if resp.Status != StatusDegraded {
		t.Fatalf("status = %s, want degraded", resp.Status)
	}
	if resp.Dependencies["redis"].Message != "connection refused" {
		t.Fatalf("redis message = %q", resp.Dependencies["redis"].Message)
	}
	if StatusCode(resp.Status) != http.StatusOK {
		t.Fatalf("degraded should still be served with 200")
	}
}

func TestCriticalDependencyTakesServiceDown(t *testing.T) {
	h := New()
	h.SetReady(true)
	h.RegisterCritical(staticCheck("gateway", StatusDown))
	h.Register(staticCheck("redis", StatusUp))

	if got := h.Ready(context.Background()).Status; got != StatusDown {
		t.Fatalf("Ready = %s, want down", got)
	}
	if got := h.Health(context.Background()).Status; got != StatusDown {
		t.Fatalf("Health = %s, want down", got)
	}
}

func TestSlowCheckTimesOut(t *testing.T) {
	h := New()
	h.SetReady(true)
	h.Register(CheckFunc{CheckName: "slow", Fn: func(ctx context.Context) CheckResult {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return CheckResult{Status: StatusUp}
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	resp := h.Health(ctx)
	if resp.Dependencies["slow"].Message != "timeout" {
		t.Fatalf("slow check = %+v, want timeout", resp.Dependencies["slow"])
	}
}

func TestReadyHandler(t *testing.T) {
	h := New()
	rec := httptest.NewRecorder()
	h.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d, want 503", rec.Code)
	}

	h.SetReady(true)
	rec = httptest.NewRecorder()
	h.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
	var body Response
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != StatusUp {
		t.Fatalf("body status = %s", body.Status)
	}
}

func TestLoopMonitorChecker(t *testing.T) {
	var m LoopMonitor
	check := m.Checker("keepalive", time.Minute)

	if got := check.Check(context.Background()); got.Status != StatusDegraded || got.Message != "not started" {
		t.Fatalf("before tick = %+v", got)
	}

	m.Tick()
	if got := check.Check(context.Background()); got.Status != StatusUp {
		t.Fatalf("after tick = %+v", got)
	}

	m.SetError(errors.New("tickle failed"))
	if got := check.Check(context.Background()); got.Message != "tickle failed" {
		t.Fatalf("after error = %+v", got)
	}

	m.SetError(nil)
	if m.LastError() != "" {
		t.Fatalf("SetError(nil) should clear")
	}
}

func TestLoopMonitorStale(t *testing.T) {
	var m LoopMonitor
	m.Tick()
	ok, age, _ := m.Healthy(time.Now().Add(time.Hour), time.Minute)
	if ok {
		t.Fatalf("expected stale loop to be unhealthy")
	}
	if age < time.Hour-time.Second {
		t.Fatalf("age = %s, want about 1h", age)
	}
}
