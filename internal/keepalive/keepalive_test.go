package keepalive

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boomtrade/bridge/internal/probe"
	bridgeerrors "github.com/boomtrade/bridge/pkg/errors"
	"github.com/boomtrade/bridge/pkg/health"
	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type fakeSession struct {
	status probe.Status
	err    error
	calls  atomic.Int32
}

func (s *fakeSession) Recheck(context.Context) (probe.Status, error) {
	s.calls.Add(1)
	return s.status, s.err
}

type fakeTickler struct {
	err   error
	calls atomic.Int32
}

func (t *fakeTickler) Tickle(context.Context) error {
	t.calls.Add(1)
	return t.err
}

func check(t *testing.T, k *Keeper) health.CheckResult {
	t.Helper()
	return k.Checker(time.Minute).Check(context.Background())
}

func TestRunOnceTicklesAuthenticatedSession(t *testing.T) {
	sess := &fakeSession{status: probe.Authenticated}
	tick := &fakeTickler{}
	k, err := New("* * * * *", parser, sess, tick, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if res := check(t, k); res.Status != health.StatusDegraded {
		t.Fatalf("before the first run status = %s, want degraded", res.Status)
	}
	if err := k.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if tick.calls.Load() != 1 {
		t.Fatalf("tickle calls = %d", tick.calls.Load())
	}
	if res := check(t, k); res.Status != health.StatusUp {
		t.Fatalf("status = %s (%s), want up", res.Status, res.Message)
	}
}

func TestRunOnceSkipsWithoutSession(t *testing.T) {
	sess := &fakeSession{err: bridgeerrors.New(bridgeerrors.CodeGatewayNotReady, "gateway is stopped")}
	tick := &fakeTickler{}
	k, _ := New("@every 1m", parser, sess, tick, nil, nil)

	if err := k.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if tick.calls.Load() != 0 {
		t.Fatalf("stopped gateway must not be tickled")
	}
	if res := check(t, k); res.Status != health.StatusUp {
		t.Fatalf("idle keepalive is healthy, got %s", res.Status)
	}
}

func TestRunOnceUnauthenticated(t *testing.T) {
	tick := &fakeTickler{}
	k, _ := New("* * * * *", parser, &fakeSession{status: probe.Unauthenticated}, tick, nil, nil)

	k.RunOnce(context.Background())
	if tick.calls.Load() != 0 {
		t.Fatalf("unauthenticated gateway must not be tickled")
	}
	if res := check(t, k); res.Status != health.StatusDegraded {
		t.Fatalf("status = %s, want degraded", res.Status)
	}
}

func TestRunOnceTickleError(t *testing.T) {
	tick := &fakeTickler{err: errors.New("connection refused")}
	k, _ := New("* * * * *", parser, &fakeSession{status: probe.Authenticated}, tick, nil, nil)

	if err := k.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected tickle error")
	}
	res := check(t, k)
	if res.Status != health.StatusDegraded || res.Message != "connection refused" {
		t.Fatalf("unexpected check result: %+v", res)
	}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	if _, err := New("every minute", parser, &fakeSession{}, &fakeTickler{}, nil, nil); err == nil {
		t.Fatalf("expected schedule error")
	}
}

func TestRunStopsWithContext(t *testing.T) {
	sess := &fakeSession{status: probe.Authenticated}
	k, _ := New("@every 1s", parser, sess, &fakeTickler{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		k.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for sess.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if sess.calls.Load() == 0 {
		t.Fatalf("scheduled job never ran")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
