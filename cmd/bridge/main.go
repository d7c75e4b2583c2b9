package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boomtrade/bridge/internal/config"
	"github.com/boomtrade/bridge/internal/contract"
	"github.com/boomtrade/bridge/internal/handler"
	"github.com/boomtrade/bridge/internal/keepalive"
	"github.com/boomtrade/bridge/internal/metrics"
	"github.com/boomtrade/bridge/internal/middleware"
	"github.com/boomtrade/bridge/internal/order"
	"github.com/boomtrade/bridge/internal/probe"
	"github.com/boomtrade/bridge/internal/quote"
	"github.com/boomtrade/bridge/internal/sim"
	"github.com/boomtrade/bridge/internal/supervisor"
	"github.com/boomtrade/bridge/internal/upstream"
	"github.com/boomtrade/bridge/internal/ws"
	"github.com/boomtrade/bridge/pkg/health"
	"github.com/boomtrade/bridge/pkg/logger"
	bridgeredis "github.com/boomtrade/bridge/pkg/redis"
	"github.com/boomtrade/bridge/pkg/response"
	"github.com/boomtrade/bridge/pkg/tracing"
	"github.com/spf13/cobra"
)

// exitCode lets a subcommand choose the process exit status.
type exitCode int

func (c exitCode) Error() string { return fmt.Sprintf("exit status %d", int(c)) }

func main() {
	root := &cobra.Command{
		Use:   "bridge",
		Short: "Brokerage gateway bridge",
		Long: `bridge supervises a local brokerage gateway process and exposes it to
mobile clients: gateway login, order entry, quote snapshots and a
websocket quote stream.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	root.AddCommand(newServeCmd(), newProbeCmd())

	if err := root.Execute(); err != nil {
		var code exitCode
		if errors.As(err, &code) {
			os.Exit(int(code))
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg := config.Load()

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Environment: cfg.AppEnv,
		Endpoint:    cfg.JaegerEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  0.1,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	l := logger.New(cfg.ServiceName, os.Stdout).WithLevel(cfg.LogLevel)
	l.Info(fmt.Sprintf("Starting %s...", cfg.ServiceName))

	if err := cfg.Validate(); err != nil {
		l.Error(fmt.Sprintf("Invalid config: %v", err))
		return exitCode(1)
	}
	proxies, err := middleware.ParseTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		l.Error(fmt.Sprintf("Invalid TRUSTED_PROXY_CIDRS: %v", err))
		return exitCode(1)
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	m := metrics.New()
	healthz := health.New()

	// 网关后端：模拟模式只在启动时决定一次
	var (
		launcher supervisor.Launcher
		prober   probe.Prober
		api      upstream.API
	)
	if cfg.SimulationMode {
		l.Warn("SIMULATION_MODE enabled: no brokerage gateway is used")
		launcher = sim.NewLauncher()
		prober = sim.Prober{}
		api = sim.NewBrokerage(uint64(time.Now().UnixNano()))
	} else {
		httpClient := upstream.NewHTTPClient(cfg.UpstreamTimeout, cfg.GatewayInsecureTLS)
		launcher = &supervisor.ExecLauncher{
			Command: cfg.GatewayCommand,
			Args:    cfg.GatewayArgs,
			Dir:     cfg.GatewayWorkDir,
			Log:     l,
		}
		prober = probe.New(cfg.GatewayBaseURL, httpClient, cfg.ProbeTimeout)
		api = upstream.NewClient(upstream.Options{
			BaseURL:     cfg.GatewayBaseURL,
			Timeout:     cfg.UpstreamTimeout,
			InsecureTLS: cfg.GatewayInsecureTLS,
			RateLimit:   cfg.UpstreamRateLimit,
			RateBurst:   cfg.UpstreamRateBurst,
			Fields:      cfg.QuoteFields,
			HTTPClient:  httpClient,
			Metrics:     m,
		})
	}

	sup := supervisor.New(supervisor.Config{
		ProbeInterval: cfg.ProbeInterval,
		StartTimeout:  cfg.StartTimeout,
		StopGrace:     cfg.StopGracePeriod,
		EnvUsername:   cfg.GatewayEnvUsername,
		EnvSecret:     cfg.GatewayEnvSecret,
		EnvAccount:    cfg.GatewayEnvAccount,
	}, launcher, prober, l, m)
	healthz.Register(gatewayChecker(sup))

	resolver := contract.NewResolver(api, contract.Options{
		TTL:           cfg.ResolverTTL,
		LookupTimeout: cfg.ResolverLookupTimeout,
		Strict:        cfg.ResolverStrict,
	}, l, m)
	mediator := order.NewMediator(sup, resolver, api, l, m)

	// Redis 行情镜像（可选）
	var publisher quote.TickPublisher
	if cfg.RedisAddr != "" {
		redisClient, err := bridgeredis.NewClient(ctx, bridgeredis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			l.Error(fmt.Sprintf("Failed to connect to Redis: %v", err))
			return exitCode(1)
		}
		defer redisClient.Close()
		l.Info("Connected to Redis")
		publisher = quote.NewPublisher(redisClient, cfg.QuoteChannel)
		healthz.Register(bridgeredis.HealthChecker(redisClient))
	}

	mux := quote.NewMultiplexer(sup, resolver, api, publisher, quote.Options{
		Interval:         cfg.QuoteInterval,
		FailureThreshold: cfg.QuoteFailureThreshold,
		Buffer:           cfg.QuoteBuffer,
	}, l, m)
	wsServer := ws.NewServer(mux, ws.Config{AllowedOrigins: cfg.CORSAllowOrigins}, l)

	if cfg.KeepaliveSchedule != "" {
		keeper, err := keepalive.New(cfg.KeepaliveSchedule, config.KeepaliveParser, sup, api, l, m)
		if err != nil {
			l.Error(err.Error())
			return exitCode(1)
		}
		healthz.Register(keeper.Checker(3 * time.Minute))
		go keeper.Run(ctx)
	}

	ipLimiter := middleware.NewRateLimiter(cfg.IPRateLimit)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ipLimiter.Cleanup()
				l.Debugf("stream stats", logger.Fields{
					"ws_connections": wsServer.ConnectionCount(),
					"pollers":        mux.RunningPollers(),
				})
			}
		}
	}()

	h := handler.New(handler.Deps{
		Gateway:      sup,
		Orders:       mediator,
		Quotes:       mux,
		Portfolio:    api,
		Health:       healthz,
		Metrics:      m,
		Stream:       wsServer.Handle,
		MetricsToken: cfg.MetricsToken,
		Simulation:   cfg.SimulationMode,
		Logger:       l,
	})
	healthz.SetReady(true)

	httpHandler := middleware.Chain(h.Routes(),
		tracing.HTTPMiddleware,
		middleware.LimitBody(middleware.MaxBodyBytes),
		middleware.Logging(l, proxies),
		response.RequestIDMiddleware,
		response.RecoveryMiddleware(l),
		middleware.CORS(cfg.CORSAllowOrigins),
		middleware.RateLimit(ipLimiter, proxies.IPKey),
	)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           httpHandler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// POST /gateway/start blocks until the session is ready
		WriteTimeout:   cfg.StartTimeout + 15*time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	serveErr := make(chan error, 1)
	go func() {
		l.Info(fmt.Sprintf("HTTP server listening on :%d", cfg.HTTPPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case <-sigCh:
	case <-parent.Done():
	case err := <-serveErr:
		l.Error(fmt.Sprintf("HTTP server error: %v", err))
		runErr = exitCode(1)
	}

	l.Info("Shutting down...")
	healthz.SetReady(false)
	cancel()
	wsServer.CloseAll()
	mux.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.StopGracePeriod+5*time.Second)
	defer shutdownCancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		l.WithError(err).Warn("gateway shutdown")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		l.WithError(err).Warn("http shutdown")
	}
	l.Info("Shutdown complete")
	return runErr
}

// gatewayChecker reports a session that is not ready as degraded, never down:
// a stopped gateway is a normal state for the bridge.
func gatewayChecker(sup *supervisor.Supervisor) health.Checker {
	return health.CheckFunc{
		CheckName: "gateway",
		Fn: func(ctx context.Context) health.CheckResult {
			st := sup.Status()
			if st.State == supervisor.StateReady {
				return health.CheckResult{Status: health.StatusUp}
			}
			msg := string(st.State)
			if st.LastError != "" {
				msg += ": " + st.LastError
			}
			return health.CheckResult{Status: health.StatusDegraded, Message: msg}
		},
	}
}
