// Package supervisor owns the lifecycle of the external gateway process:
// launch with credentials, readiness polling, exit detection and termination.
package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/boomtrade/bridge/internal/metrics"
	"github.com/boomtrade/bridge/internal/probe"
	bridgeerrors "github.com/boomtrade/bridge/pkg/errors"
	"github.com/boomtrade/bridge/pkg/logger"
)

type State string

const (
	StateStopped        State = "stopped"
	StateStarting       State = "starting"
	StateAuthenticating State = "authenticating"
	StateReady          State = "ready"
	StateFailed         State = "failed"
	StateTimedOut       State = "timed_out"
)

// Credentials are handed to the child through its environment and are not
// kept after launch, except for the non-secret account hint.
type Credentials struct {
	Username    string
	Secret      string
	AccountHint string
}

func (c Credentials) validate() error {
	if strings.TrimSpace(c.Username) == "" || c.Secret == "" {
		return bridgeerrors.New(bridgeerrors.CodeInvalidParam, "username and password are required")
	}
	return nil
}

// Launcher starts a gateway child with extra KEY=VALUE environment entries.
// ctx bounds the launch itself, not the lifetime of the child.
type Launcher interface {
	Launch(ctx context.Context, env []string) (Process, error)
}

// Process is a running gateway child.
type Process interface {
	Pid() int
	// Done is closed once the child has exited and its output is drained.
	Done() <-chan struct{}
	// Err is the exit error, valid after Done is closed.
	Err() error
	// Terminate asks the child to exit, kills it after grace and waits for Done.
	Terminate(grace time.Duration)
}

type Config struct {
	ProbeInterval time.Duration
	StartTimeout  time.Duration
	StopGrace     time.Duration

	// Environment variable names for the credentials.
	EnvUsername string
	EnvSecret   string
	EnvAccount  string
}

// Status is a point-in-time view of the gateway session.
type Status struct {
	State           State      `json:"state"`
	LastError       string     `json:"lastError,omitempty"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	LastHealthCheck *time.Time `json:"lastHealthCheck,omitempty"`
	ReadySince      *time.Time `json:"readySince,omitempty"`
	PID             int        `json:"pid,omitempty"`
	AccountHint     string     `json:"accountHint,omitempty"`
	Generation      uint64     `json:"generation"`
}

type Supervisor struct {
	cfg      Config
	launcher Launcher
	prober   probe.Prober
	log      *logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	// startSlot admits one Start (or Stop) at a time.
	startSlot chan struct{}

	mu              sync.Mutex
	state           State
	proc            Process
	generation      uint64
	stopEpoch       uint64
	cancelLoop      context.CancelFunc
	startedAt       time.Time
	lastHealthCheck time.Time
	readySince      time.Time
	lastError       string
	accountHint     string
}

func New(cfg Config, launcher Launcher, prober probe.Prober, log *logger.Logger, m *metrics.Metrics) *Supervisor {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 2 * time.Second
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 120 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	s := &Supervisor{
		cfg:       cfg,
		launcher:  launcher,
		prober:    prober,
		log:       log.Component("supervisor"),
		metrics:   m,
		now:       time.Now,
		startSlot: make(chan struct{}, 1),
		state:     StateStopped,
	}
	m.SetGatewayState(string(StateStopped))
	return s
}

// Start (re)launches the gateway with creds and blocks until it is ready,
// fails, times out, or ctx ends. The readiness loop keeps running when ctx
// ends; ctx only bounds how long the caller waits.
func (s *Supervisor) Start(ctx context.Context, creds Credentials) error {
	if err := creds.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	epoch := s.stopEpoch
	s.mu.Unlock()

	select {
	case s.startSlot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	released := false
	release := func() {
		if !released {
			released = true
			<-s.startSlot
		}
	}
	defer release()

	s.mu.Lock()
	if s.stopEpoch != epoch {
		s.mu.Unlock()
		return bridgeerrors.New(bridgeerrors.CodeGatewayNotReady, "start cancelled by stop")
	}
	old := s.detachLocked()
	s.lastError = ""
	s.setStateLocked(StateStarting)
	s.mu.Unlock()

	if old != nil {
		s.log.Infof("terminating previous gateway process", logger.Fields{"pid": old.Pid()})
		old.Terminate(s.cfg.StopGrace)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	proc, err := s.launcher.Launch(loopCtx, s.childEnv(creds))
	if err != nil {
		cancel()
		s.mu.Lock()
		s.setStateLocked(StateFailed)
		s.lastError = "launch: " + err.Error()
		s.mu.Unlock()
		s.metrics.IncGatewayStart("launch_failed")
		s.log.WithError(err).Error("gateway launch failed")
		return bridgeerrors.Wrap(bridgeerrors.CodeGatewayLaunchFailed, err, "launch gateway")
	}

	s.mu.Lock()
	if s.stopEpoch != epoch {
		s.mu.Unlock()
		cancel()
		proc.Terminate(s.cfg.StopGrace)
		return bridgeerrors.New(bridgeerrors.CodeGatewayNotReady, "start cancelled by stop")
	}
	s.generation++
	gen := s.generation
	s.proc = proc
	s.cancelLoop = cancel
	s.startedAt = s.now()
	s.readySince = time.Time{}
	s.lastHealthCheck = time.Time{}
	s.lastError = ""
	s.accountHint = creds.AccountHint
	s.setStateLocked(StateStarting)
	s.mu.Unlock()

	s.log.Infof("gateway process launched", logger.Fields{"pid": proc.Pid(), "generation": gen})

	go s.watch(gen, proc)

	result := make(chan error, 1)
	released = true // handed over to the readiness loop
	go s.awaitReady(loopCtx, cancel, gen, proc, result)

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) childEnv(creds Credentials) []string {
	env := []string{
		s.cfg.EnvUsername + "=" + creds.Username,
		s.cfg.EnvSecret + "=" + creds.Secret,
	}
	if creds.AccountHint != "" && s.cfg.EnvAccount != "" {
		env = append(env, s.cfg.EnvAccount+"="+creds.AccountHint)
	}
	return env
}

// awaitReady owns the start slot until the session reaches a terminal
// start outcome or the loop is cancelled.
func (s *Supervisor) awaitReady(ctx context.Context, cancel context.CancelFunc, gen uint64, proc Process, result chan<- error) {
	defer func() { <-s.startSlot }()
	defer func() {
		cancel()
		s.mu.Lock()
		if s.generation == gen {
			s.cancelLoop = nil
		}
		s.mu.Unlock()
	}()

	deadline := time.NewTimer(s.cfg.StartTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		res := s.prober.Probe(ctx)
		if ctx.Err() != nil {
			result <- bridgeerrors.New(bridgeerrors.CodeGatewayNotReady, "start cancelled")
			return
		}

		s.mu.Lock()
		if s.generation != gen {
			s.mu.Unlock()
			result <- bridgeerrors.New(bridgeerrors.CodeGatewayNotReady, "start superseded")
			return
		}
		if s.proc != proc {
			s.mu.Unlock()
			s.metrics.IncGatewayStart("exited")
			result <- bridgeerrors.Wrap(bridgeerrors.CodeGatewayProcessExited, exitCause(proc), "gateway exited before becoming ready")
			return
		}
		s.lastHealthCheck = res.CheckedAt
		switch res.Status {
		case probe.Authenticated:
			s.readySince = s.now()
			s.setStateLocked(StateReady)
			s.cancelLoop = nil
			s.mu.Unlock()
			s.metrics.IncGatewayStart("ready")
			s.log.Infof("gateway session ready", logger.Fields{"generation": gen, "competing": res.Competing})
			result <- nil
			return
		case probe.Unauthenticated:
			if s.state != StateAuthenticating {
				s.setStateLocked(StateAuthenticating)
				s.log.Infof("gateway reachable, waiting for authentication", logger.Fields{"generation": gen})
			}
		}
		s.mu.Unlock()

		select {
		case <-ticker.C:
		case <-proc.Done():
			s.handleExit(gen, proc)
			s.metrics.IncGatewayStart("exited")
			result <- bridgeerrors.Wrap(bridgeerrors.CodeGatewayProcessExited, exitCause(proc), "gateway exited before becoming ready")
			return
		case <-deadline.C:
			s.mu.Lock()
			if s.generation != gen {
				s.mu.Unlock()
				result <- bridgeerrors.New(bridgeerrors.CodeGatewayNotReady, "start superseded")
				return
			}
			s.setStateLocked(StateTimedOut)
			s.lastError = fmt.Sprintf("not authenticated within %s", s.cfg.StartTimeout)
			s.detachLocked()
			s.mu.Unlock()
			s.metrics.IncGatewayStart("timed_out")
			s.log.Warnf("gateway start timed out", logger.Fields{"generation": gen, "timeout": s.cfg.StartTimeout.String()})
			proc.Terminate(s.cfg.StopGrace)
			result <- bridgeerrors.Newf(bridgeerrors.CodeGatewayTimedOut, "gateway not authenticated within %s", s.cfg.StartTimeout)
			return
		case <-ctx.Done():
			result <- bridgeerrors.New(bridgeerrors.CodeGatewayNotReady, "start cancelled")
			return
		}
	}
}

// watch records an exit that nobody asked for.
func (s *Supervisor) watch(gen uint64, proc Process) {
	<-proc.Done()
	s.handleExit(gen, proc)
}

func (s *Supervisor) handleExit(gen uint64, proc Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen || s.proc != proc {
		return
	}
	s.proc = nil
	s.readySince = time.Time{}
	s.lastError = "gateway process exited"
	if err := proc.Err(); err != nil {
		s.lastError += ": " + err.Error()
	}
	s.setStateLocked(StateFailed)
	s.metrics.IncGatewayExit()
	s.log.Warnf("gateway process exited unexpectedly", logger.Fields{"pid": proc.Pid(), "generation": gen, "error": s.lastError})
}

func exitCause(proc Process) error {
	if err := proc.Err(); err != nil {
		return err
	}
	return fmt.Errorf("exit status 0")
}

// detachLocked forgets the current child so its watcher stays quiet.
// The caller terminates the returned process outside the lock.
func (s *Supervisor) detachLocked() Process {
	old := s.proc
	s.proc = nil
	s.generation++
	s.readySince = time.Time{}
	s.accountHint = ""
	if s.cancelLoop != nil {
		s.cancelLoop()
		s.cancelLoop = nil
	}
	return old
}

func (s *Supervisor) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.log.Infof("gateway state changed", logger.Fields{"from": string(s.state), "to": string(st)})
	s.state = st
	s.metrics.SetGatewayState(string(st))
}

// Stop cancels an in-flight start, terminates the child and waits for its
// output to drain. Stopping a stopped supervisor is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopEpoch++
	if s.cancelLoop != nil {
		s.cancelLoop()
	}
	s.mu.Unlock()

	select {
	case s.startSlot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.startSlot }()

	s.mu.Lock()
	proc := s.detachLocked()
	wasStopped := s.state == StateStopped && proc == nil
	s.setStateLocked(StateStopped)
	s.mu.Unlock()

	if proc != nil {
		s.log.Infof("stopping gateway process", logger.Fields{"pid": proc.Pid()})
		proc.Terminate(s.cfg.StopGrace)
	} else if !wasStopped {
		s.log.Info("gateway session cleared")
	}
	return nil
}

// Shutdown is Stop for the service's graceful shutdown path.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	return s.Stop(ctx)
}

// EnsureReady never starts the gateway.
func (s *Supervisor) EnsureReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateReady {
		return nil
	}
	if s.lastError != "" {
		return bridgeerrors.Newf(bridgeerrors.CodeGatewayNotReady, "gateway is %s: %s", s.state, s.lastError)
	}
	return bridgeerrors.Newf(bridgeerrors.CodeGatewayNotReady, "gateway is %s", s.state)
}

// Recheck probes a live session outside of Start. A ready session that lost
// authentication drops to authenticating and is promoted back once the
// probe succeeds again.
func (s *Supervisor) Recheck(ctx context.Context) (probe.Status, error) {
	s.mu.Lock()
	gen := s.generation
	live := s.proc != nil && s.cancelLoop == nil &&
		(s.state == StateReady || s.state == StateAuthenticating)
	s.mu.Unlock()
	if !live {
		return probe.Unreachable, s.EnsureReady()
	}

	res := s.prober.Probe(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen || s.cancelLoop != nil {
		return res.Status, nil
	}
	s.lastHealthCheck = res.CheckedAt
	switch {
	case res.Status == probe.Authenticated && s.state == StateAuthenticating:
		s.readySince = s.now()
		s.setStateLocked(StateReady)
	case res.Status != probe.Authenticated && s.state == StateReady:
		s.readySince = time.Time{}
		s.setStateLocked(StateAuthenticating)
		s.log.Warnf("gateway session lost authentication", logger.Fields{"probe": res.Status.String()})
	}
	return res.Status, nil
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AccountHint is the account supplied with the current credentials, if any.
func (s *Supervisor) AccountHint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountHint
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:       s.state,
		LastError:   s.lastError,
		AccountHint: s.accountHint,
		Generation:  s.generation,
		StartedAt:   timePtr(s.startedAt),
		ReadySince:  timePtr(s.readySince),
	}
	st.LastHealthCheck = timePtr(s.lastHealthCheck)
	if s.proc != nil {
		st.PID = s.proc.Pid()
	}
	return st
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
