// Package config 配置
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	envconfig "github.com/boomtrade/bridge/pkg/config"
	"github.com/robfig/cron/v3"
)

// Config 服务配置
type Config struct {
	ServiceName string
	AppEnv      string
	LogLevel    string
	HTTPPort    int

	// 网关进程
	GatewayBaseURL     string
	GatewayInsecureTLS bool
	GatewayCommand     string
	GatewayArgs        []string
	GatewayWorkDir     string
	GatewayEnvUsername string
	GatewayEnvSecret   string
	GatewayEnvAccount  string

	ProbeInterval   time.Duration
	ProbeTimeout    time.Duration
	StartTimeout    time.Duration
	StopGracePeriod time.Duration

	// 合约解析
	ResolverTTL           time.Duration
	ResolverStrict        bool
	ResolverLookupTimeout time.Duration

	// 行情
	QuoteInterval         time.Duration
	QuoteFailureThreshold int
	QuoteBuffer           int
	QuoteFields           []string
	QuoteChannel          string

	// 上游
	UpstreamTimeout   time.Duration
	UpstreamRateLimit float64 // 每秒请求数
	UpstreamRateBurst int

	KeepaliveSchedule string
	SimulationMode    bool

	// Redis（可选，为空则不镜像行情）
	RedisAddr     string
	RedisPassword string

	CORSAllowOrigins  []string
	IPRateLimit       int // 每秒请求数
	TrustedProxyCIDRs []string

	TracingEnabled bool
	JaegerEndpoint string
	MetricsToken   string
}

// Load 加载配置
func Load() *Config {
	return &Config{
		ServiceName: envconfig.GetEnv("SERVICE_NAME", "brokerage-bridge"),
		AppEnv:      strings.ToLower(envconfig.GetEnv("APP_ENV", "dev")),
		LogLevel:    envconfig.GetEnv("LOG_LEVEL", "info"),
		HTTPPort:    envconfig.GetEnvInt("HTTP_PORT", 8000),

		GatewayBaseURL:     strings.TrimRight(envconfig.GetEnv("GATEWAY_BASE_URL", "https://localhost:5000/v1/api"), "/"),
		GatewayInsecureTLS: envconfig.GetEnvBool("GATEWAY_INSECURE_TLS", true),
		GatewayCommand:     envconfig.GetEnv("GATEWAY_COMMAND", "/srv/ibeam/ibeam_starter.sh"),
		GatewayArgs:        envconfig.GetEnvFields("GATEWAY_ARGS", nil),
		GatewayWorkDir:     envconfig.GetEnv("GATEWAY_WORKDIR", ""),
		GatewayEnvUsername: envconfig.GetEnv("GATEWAY_ENV_USERNAME", "IBEAM_ACCOUNT"),
		GatewayEnvSecret:   envconfig.GetEnv("GATEWAY_ENV_SECRET", "IBEAM_PASSWORD"),
		GatewayEnvAccount:  envconfig.GetEnv("GATEWAY_ENV_ACCOUNT", "IBEAM_ACCOUNT_HINT"),

		ProbeInterval:   envconfig.GetEnvDuration("PROBE_INTERVAL", 2*time.Second),
		ProbeTimeout:    envconfig.GetEnvDuration("PROBE_TIMEOUT", 5*time.Second),
		StartTimeout:    envconfig.GetEnvDuration("START_TIMEOUT", 120*time.Second),
		StopGracePeriod: envconfig.GetEnvDuration("STOP_GRACE_PERIOD", 10*time.Second),

		ResolverTTL:           envconfig.GetEnvDuration("RESOLVER_TTL", 12*time.Hour),
		ResolverStrict:        envconfig.GetEnvBool("RESOLVER_STRICT", false),
		ResolverLookupTimeout: envconfig.GetEnvDuration("RESOLVER_LOOKUP_TIMEOUT", 10*time.Second),

		QuoteInterval:         envconfig.GetEnvDuration("QUOTE_INTERVAL", 500*time.Millisecond),
		QuoteFailureThreshold: envconfig.GetEnvInt("QUOTE_FAILURE_THRESHOLD", 5),
		QuoteBuffer:           envconfig.GetEnvInt("QUOTE_BUFFER", 16),
		QuoteFields:           envconfig.GetEnvSlice("QUOTE_FIELDS", []string{"31", "84", "86", "87", "70", "71", "7295"}),
		QuoteChannel:          envconfig.GetEnv("QUOTE_CHANNEL", "quotes:{symbol}"),

		UpstreamTimeout:   envconfig.GetEnvDuration("UPSTREAM_TIMEOUT", 10*time.Second),
		UpstreamRateLimit: envconfig.GetEnvFloat64("UPSTREAM_RATE_LIMIT", 10),
		UpstreamRateBurst: envconfig.GetEnvInt("UPSTREAM_RATE_BURST", 10),

		KeepaliveSchedule: envconfig.GetEnv("KEEPALIVE_SCHEDULE", "* * * * *"),
		SimulationMode:    envconfig.GetEnvBool("SIMULATION_MODE", false),

		RedisAddr:     envconfig.GetEnv("REDIS_ADDR", ""),
		RedisPassword: envconfig.GetEnv("REDIS_PASSWORD", ""),

		CORSAllowOrigins:  envconfig.GetEnvSlice("CORS_ALLOW_ORIGINS", []string{"*"}),
		IPRateLimit:       envconfig.GetEnvInt("IP_RATE_LIMIT", 50),
		TrustedProxyCIDRs: envconfig.GetEnvSlice("TRUSTED_PROXY_CIDRS", nil),

		TracingEnabled: envconfig.GetEnvBool("TRACING_ENABLED", false),
		JaegerEndpoint: envconfig.GetEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		MetricsToken:   envconfig.GetEnv("METRICS_TOKEN", ""),
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT must be between 1 and 65535")
	}
	u, err := url.Parse(c.GatewayBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("GATEWAY_BASE_URL must be an absolute URL")
	}
	if !c.SimulationMode && strings.TrimSpace(c.GatewayCommand) == "" {
		return fmt.Errorf("GATEWAY_COMMAND is required unless SIMULATION_MODE=true")
	}
	if c.GatewayEnvUsername == "" || c.GatewayEnvSecret == "" {
		return fmt.Errorf("GATEWAY_ENV_USERNAME and GATEWAY_ENV_SECRET must name environment variables")
	}
	if c.GatewayEnvUsername == c.GatewayEnvSecret {
		return fmt.Errorf("GATEWAY_ENV_USERNAME and GATEWAY_ENV_SECRET must differ")
	}

	positive := []struct {
		name  string
		value time.Duration
	}{
		{"PROBE_INTERVAL", c.ProbeInterval},
		{"PROBE_TIMEOUT", c.ProbeTimeout},
		{"START_TIMEOUT", c.StartTimeout},
		{"STOP_GRACE_PERIOD", c.StopGracePeriod},
		{"RESOLVER_TTL", c.ResolverTTL},
		{"RESOLVER_LOOKUP_TIMEOUT", c.ResolverLookupTimeout},
		{"QUOTE_INTERVAL", c.QuoteInterval},
		{"UPSTREAM_TIMEOUT", c.UpstreamTimeout},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive", p.name)
		}
	}
	if c.StartTimeout < c.ProbeInterval {
		return fmt.Errorf("START_TIMEOUT must not be shorter than PROBE_INTERVAL")
	}

	if c.QuoteFailureThreshold <= 0 {
		return fmt.Errorf("QUOTE_FAILURE_THRESHOLD must be positive")
	}
	if c.QuoteBuffer <= 0 {
		return fmt.Errorf("QUOTE_BUFFER must be positive")
	}
	if len(c.QuoteFields) == 0 {
		return fmt.Errorf("QUOTE_FIELDS must not be empty")
	}
	if c.UpstreamRateLimit <= 0 || c.UpstreamRateBurst <= 0 {
		return fmt.Errorf("UPSTREAM_RATE_LIMIT and UPSTREAM_RATE_BURST must be positive")
	}

	if c.IPRateLimit <= 0 {
		return fmt.Errorf("IP_RATE_LIMIT must be positive")
	}

	if c.KeepaliveSchedule != "" {
		if _, err := KeepaliveParser.Parse(c.KeepaliveSchedule); err != nil {
			return fmt.Errorf("KEEPALIVE_SCHEDULE: %w", err)
		}
	}

	if c.AppEnv != "dev" {
		if c.SimulationMode {
			return fmt.Errorf("SIMULATION_MODE is only allowed with APP_ENV=dev (APP_ENV=%s)", c.AppEnv)
		}
		for _, origin := range c.CORSAllowOrigins {
			if origin == "*" {
				return fmt.Errorf("CORS_ALLOW_ORIGINS must list explicit origins (APP_ENV=%s)", c.AppEnv)
			}
		}
	}
	return nil
}

// KeepaliveParser parses five-field cron specs and descriptors such as @every 30s.
var KeepaliveParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
