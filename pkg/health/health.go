// Package health 健康检查：存活、就绪以及依赖汇总
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

type CheckResult struct {
	Status  Status        `json:"status"`
	Latency time.Duration `json:"latency"`
	Message string        `json:"message,omitempty"`
}

type Response struct {
	Status       Status                 `json:"status"`
	Dependencies map[string]CheckResult `json:"dependencies,omitempty"`
}

type registration struct {
	checker  Checker
	critical bool
}

type Health struct {
	mu     sync.RWMutex
	checks []registration
	ready  atomic.Bool
}

const defaultCheckTimeout = 2 * time.Second

func New() *Health {
	return &Health{}
}

// Register adds an optional dependency. A failing optional dependency
// degrades the service but does not take it out of rotation.
func (h *Health) Register(c Checker) {
	h.register(c, false)
}

// RegisterCritical adds a dependency whose failure makes the service not ready.
func (h *Health) RegisterCritical(c Checker) {
	h.register(c, true)
}

func (h *Health) register(c Checker, critical bool) {
	if c == nil {
		return
	}
	h.mu.Lock()
	h.checks = append(h.checks, registration{checker: c, critical: critical})
	h.mu.Unlock()
}

func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *Health) IsReady() bool {
	return h.ready.Load()
}

// Live 存活检查（只检查进程是否响应）
func (h *Health) Live() Response {
	return Response{Status: StatusUp}
}

// Ready 就绪检查（检查所有依赖）
func (h *Health) Ready(ctx context.Context) Response {
	deps, criticalDown := h.runChecks(ctx)
	if !h.IsReady() || criticalDown {
		return Response{Status: StatusDown, Dependencies: deps}
	}
	return Response{Status: summarize(deps), Dependencies: deps}
}

// Health 完整健康检查
func (h *Health) Health(ctx context.Context) Response {
	deps, criticalDown := h.runChecks(ctx)
	status := summarize(deps)
	if criticalDown || (!h.IsReady() && status == StatusUp) {
		status = StatusDown
	}
	return Response{Status: status, Dependencies: deps}
}

// runChecks runs every check concurrently, each bounded by defaultCheckTimeout.
func (h *Health) runChecks(ctx context.Context) (map[string]CheckResult, bool) {
	h.mu.RLock()
	checks := append([]registration(nil), h.checks...)
	h.mu.RUnlock()
	if len(checks) == 0 {
		return nil, false
	}
	if ctx == nil {
		ctx = context.Background()
	}

	results := make([]CheckResult, len(checks))
	var g errgroup.Group
	for i, reg := range checks {
		g.Go(func() error {
			results[i] = runOne(ctx, reg.checker)
			return nil
		})
	}
	_ = g.Wait()

	deps := make(map[string]CheckResult, len(checks))
	criticalDown := false
	for i, reg := range checks {
		name := reg.checker.Name()
		if name == "" {
			name = "unknown"
		}
		deps[name] = results[i]
		if reg.critical && results[i].Status == StatusDown {
			criticalDown = true
		}
	}
	return deps, criticalDown
}

func runOne(parent context.Context, c Checker) CheckResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, defaultCheckTimeout)
	defer cancel()

	resCh := make(chan CheckResult, 1)
	go func() {
		resCh <- c.Check(ctx)
	}()

	var res CheckResult
	select {
	case res = <-resCh:
	case <-ctx.Done():
		res = CheckResult{Status: StatusDown, Message: "timeout"}
	}

	if res.Latency <= 0 {
		res.Latency = time.Since(start)
	}
	if res.Status == "" {
		res.Status = StatusDown
	}
	return res
}

func summarize(deps map[string]CheckResult) Status {
	overall := StatusUp
	for _, r := range deps {
		if r.Status != StatusUp {
			overall = StatusDegraded // 任一依赖异常则整体 degraded
		}
	}
	return overall
}

// StatusCode maps an overall status onto an HTTP status.
func StatusCode(s Status) int {
	if s == StatusDown {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Health) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := h.Live()
		writeJSON(w, StatusCode(resp.Status), resp)
	}
}

func (h *Health) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := h.Ready(r.Context())
		writeJSON(w, StatusCode(resp.Status), resp)
	}
}

// CheckFunc adapts a function into a named Checker.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) CheckResult
}

func (c CheckFunc) Name() string { return c.CheckName }

func (c CheckFunc) Check(ctx context.Context) CheckResult {
	if c.Fn == nil {
		return CheckResult{Status: StatusDown, Message: "nil check"}
	}
	return c.Fn(ctx)
}

type RedisPingCmd interface {
	Err() error
}

type RedisClient interface {
	Ping(ctx context.Context) RedisPingCmd
}

type redisChecker struct {
	client RedisClient
}

func NewRedisChecker(client RedisClient) Checker {
	return &redisChecker{client: client}
}

func (c *redisChecker) Name() string { return "redis" }

func (c *redisChecker) Check(ctx context.Context) CheckResult {
	if c == nil || c.client == nil {
		return CheckResult{Status: StatusDown, Message: "nil redis client"}
	}
	start := time.Now()
	cmd := c.client.Ping(ctx)
	lat := time.Since(start)
	if cmd == nil {
		return CheckResult{Status: StatusDown, Latency: lat, Message: "nil ping response"}
	}
	if err := cmd.Err(); err != nil {
		return CheckResult{Status: StatusDown, Latency: lat, Message: err.Error()}
	}
	return CheckResult{Status: StatusUp, Latency: lat}
}
