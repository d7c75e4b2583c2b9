package redis

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func clearTLSEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{envRedisTLS, envRedisCACert, envRedisCert, envRedisKey, envRedisServerName} {
		t.Setenv(key, "")
	}
}

func TestTLSConfigFromEnvDisabledByDefault(t *testing.T) {
	clearTLSEnv(t)

	cfg, err := TLSConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != nil {
		t.Fatal("expected nil tls config when REDIS_TLS is disabled")
	}
}

func TestTLSConfigFromEnvInvalidBool(t *testing.T) {
	clearTLSEnv(t)
	t.Setenv(envRedisTLS, "not-bool")

	if _, err := TLSConfigFromEnv(); err == nil {
		t.Fatal("expected error for invalid REDIS_TLS")
	}
}

func TestTLSOptionsBuild(t *testing.T) {
	tmpDir := t.TempDir()
	badCA := filepath.Join(tmpDir, "invalid-ca.pem")
	if err := os.WriteFile(badCA, []byte("not-a-certificate"), 0o600); err != nil {
		t.Fatalf("write temp ca file: %v", err)
	}

	tests := []struct {
		name    string
		opts    TLSOptions
		wantErr string
	}{
		{name: "cert without key", opts: TLSOptions{Enabled: true, Cert: "/tmp/c.pem"}, wantErr: envRedisKey},
		{name: "invalid ca", opts: TLSOptions{Enabled: true, CACert: badCA}, wantErr: envRedisCACert},
		{name: "missing ca file", opts: TLSOptions{Enabled: true, CACert: filepath.Join(tmpDir, "nope.pem")}, wantErr: envRedisCACert},
		{name: "server name only", opts: TLSOptions{Enabled: true, ServerName: "redis.internal"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := tt.opts.Build()
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.MinVersion != tls.VersionTLS12 {
				t.Fatalf("min version = %d", cfg.MinVersion)
			}
			if cfg.ServerName != tt.opts.ServerName {
				t.Fatalf("server name = %q", cfg.ServerName)
			}
		})
	}
}
