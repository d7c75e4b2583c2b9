package redis

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	envRedisTLS        = "REDIS_TLS"
	envRedisCACert     = "REDIS_CACERT"
	envRedisCert       = "REDIS_CERT"
	envRedisKey        = "REDIS_KEY"
	envRedisServerName = "REDIS_SERVER_NAME"
)

// TLSOptions are the REDIS_TLS* settings.
type TLSOptions struct {
	Enabled    bool
	CACert     string
	Cert       string
	Key        string
	ServerName string
}

// TLSOptionsFromEnv reads REDIS_TLS, REDIS_CACERT, REDIS_CERT, REDIS_KEY and REDIS_SERVER_NAME.
func TLSOptionsFromEnv() (TLSOptions, error) {
	opts := TLSOptions{
		CACert:     strings.TrimSpace(os.Getenv(envRedisCACert)),
		Cert:       strings.TrimSpace(os.Getenv(envRedisCert)),
		Key:        strings.TrimSpace(os.Getenv(envRedisKey)),
		ServerName: strings.TrimSpace(os.Getenv(envRedisServerName)),
	}
	if raw := strings.TrimSpace(os.Getenv(envRedisTLS)); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return TLSOptions{}, fmt.Errorf("invalid %s: %w", envRedisTLS, err)
		}
		opts.Enabled = enabled
	}
	return opts, nil
}

// Build returns nil when TLS is disabled.
func (o TLSOptions) Build() (*tls.Config, error) {
	if !o.Enabled {
		return nil, nil
	}
	if (o.Cert == "") != (o.Key == "") {
		return nil, fmt.Errorf("%s and %s must be set together", envRedisCert, envRedisKey)
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: o.ServerName,
	}

	if o.CACert != "" {
		caBytes, err := os.ReadFile(o.CACert)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", envRedisCACert, err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("append %s: no valid certificates found", envRedisCACert)
		}
		cfg.RootCAs = pool
	}

	if o.Cert != "" {
		cert, err := tls.LoadX509KeyPair(o.Cert, o.Key)
		if err != nil {
			return nil, fmt.Errorf("load %s/%s: %w", envRedisCert, envRedisKey, err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// TLSConfigFromEnv builds a Redis TLS config from environment variables.
func TLSConfigFromEnv() (*tls.Config, error) {
	opts, err := TLSOptionsFromEnv()
	if err != nil {
		return nil, err
	}
	return opts.Build()
}
