// Package keepalive tickles the gateway on a cron schedule so the brokerage
// session does not idle out, and rechecks its authentication on the way.
package keepalive

import (
	"context"
	"fmt"
	"time"

	"github.com/boomtrade/bridge/internal/metrics"
	"github.com/boomtrade/bridge/internal/probe"
	"github.com/boomtrade/bridge/pkg/health"
	"github.com/boomtrade/bridge/pkg/logger"
	"github.com/robfig/cron/v3"
)

// Session is the supervisor as seen by the keepalive job.
type Session interface {
	Recheck(ctx context.Context) (probe.Status, error)
}

type Tickler interface {
	Tickle(ctx context.Context) error
}

// Keeper runs the keepalive job.
type Keeper struct {
	session  Session
	tickler  Tickler
	parser   cron.Parser
	schedule cron.Schedule
	timeout  time.Duration
	log      *logger.Logger
	metrics  *metrics.Metrics
	monitor  health.LoopMonitor
}

// New parses expr with parser (five fields plus descriptors).
func New(expr string, parser cron.Parser, session Session, tickler Tickler, log *logger.Logger, m *metrics.Metrics) (*Keeper, error) {
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid keepalive schedule %q: %w", expr, err)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Keeper{
		session:  session,
		tickler:  tickler,
		parser:   parser,
		schedule: schedule,
		timeout:  10 * time.Second,
		log:      log.Component("keepalive"),
		metrics:  m,
	}, nil
}

// Checker reports the job as degraded once it has missed maxAge.
func (k *Keeper) Checker(maxAge time.Duration) health.Checker {
	return k.monitor.Checker("keepalive", maxAge)
}

// RunOnce 执行一次保活：先探测会话，已认证则调用 tickle
func (k *Keeper) RunOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	k.monitor.Tick()

	status, err := k.session.Recheck(ctx)
	if err != nil {
		// no live session, nothing to keep alive
		k.metrics.IncKeepalive("skipped")
		k.monitor.SetError(nil)
		return nil
	}
	if status != probe.Authenticated {
		k.metrics.IncKeepalive("unauthenticated")
		k.monitor.SetError(fmt.Errorf("gateway %s", status))
		k.log.Warnf("keepalive skipped tickle", logger.Fields{"probe": status.String()})
		return nil
	}

	if err := k.tickler.Tickle(ctx); err != nil {
		k.metrics.IncKeepalive("error")
		k.monitor.SetError(err)
		k.log.WithError(err).Warn("gateway tickle failed")
		return err
	}
	k.metrics.IncKeepalive("ok")
	k.monitor.SetError(nil)
	return nil
}

// Run blocks until ctx is done, running the job on schedule.
func (k *Keeper) Run(ctx context.Context) {
	c := cron.New(cron.WithParser(k.parser))
	c.Schedule(k.schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		k.RunOnce(ctx)
	}))

	c.Start()
	k.log.Info("keepalive scheduler started")
	<-ctx.Done()
	<-c.Stop().Done()
}
