package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/governance-ledger/internal/config"
)

func TestLoad_defaults(t *testing.T) {
	c, err := config.Load(config.New(""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Ledger.Backend != config.BackendSQLite {
		t.Errorf("ledger backend = %q", c.Ledger.Backend)
	}
	if c.Lease.Backend != config.BackendSQLite || c.Halt.Backend != config.BackendSQLite {
		t.Errorf("lease/halt backends = %q/%q, want them to follow the ledger", c.Lease.Backend, c.Halt.Backend)
	}
	if c.Lease.TTL != 15*time.Second || c.Lease.CheckInterval != 5*time.Second {
		t.Errorf("lease timings = %s/%s", c.Lease.TTL, c.Lease.CheckInterval)
	}
	if c.Startup.Bypass.Allow {
		t.Error("bypass enabled by default")
	}
	if c.Startup.Bypass.Window != 24*time.Hour || c.Startup.Bypass.MaxCount != 3 {
		t.Errorf("bypass policy = %+v", c.Startup.Bypass)
	}
	if len(c.Witnesses) != 2 {
		t.Errorf("witnesses = %v", c.Witnesses)
	}
	if c.RateLimit.RPS != 20 || c.RateLimit.Burst != 40 {
		t.Errorf("rate limit = %+v", c.RateLimit)
	}
}

func TestLoad_file(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.yaml")
	body := `
ledger:
  backend: memory
startup:
  mode: post_halt
  bypass:
    allow: true
    window: 2h
witnesses: [w-a, w-b, w-c]
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	v := config.New(path)
	if err := config.Read(v, zap.NewNop()); err != nil {
		t.Fatal(err)
	}
	c, err := config.Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Ledger.Backend != config.BackendMemory || c.Lease.Backend != config.BackendMemory || c.Startup.Mode != "post_halt" {
		t.Errorf("config = %+v", c)
	}
	if !c.Startup.Bypass.Allow || c.Startup.Bypass.Window != 2*time.Hour {
		t.Errorf("bypass = %+v", c.Startup.Bypass)
	}
	if len(c.Witnesses) != 3 {
		t.Errorf("witnesses = %v", c.Witnesses)
	}
}

func TestRead_missingFileIsNotAnError(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	if err := config.Read(config.New(""), zap.NewNop()); err != nil {
		t.Errorf("Read without config file = %v", err)
	}
}

func TestLoad_invalid(t *testing.T) {
	tests := []struct {
		name, key string
		val       any
		want      string
	}{
		{"unknown ledger backend", "ledger.backend", "cassandra", "ledger.backend"},
		{"unknown mode", "startup.mode", "recovery", "startup.mode"},
		{"postgres lease without postgres ledger", "lease.backend", "postgres", "requires ledger.backend postgres"},
		{"memory lease with sqlite ledger", "lease.backend", "memory", "lease.backend memory requires ledger.backend memory"},
		{"memory halt with sqlite ledger", "halt.backend", "memory", "halt.backend memory requires ledger.backend memory"},
		{"postgres halt without postgres ledger", "halt.backend", "postgres", "requires ledger.backend postgres"},
		{"interval longer than ttl", "lease.check_interval", "1m", "check_interval"},
		{"no witnesses", "witnesses", []string{}, "witness"},
		{"negative rate limit", "http.rate_limit.rps", -1, "rate_limit"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v := config.New("")
			v.Set(tc.key, tc.val)
			_, err := config.Load(v)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Load = %v, want error mentioning %q", err, tc.want)
			}
		})
	}
}

func TestLoad_redisWriterStatePairsWithAnyLedger(t *testing.T) {
	v := config.New("")
	v.Set("lease.backend", config.BackendRedis)
	v.Set("halt.backend", config.BackendRedis)
	c, err := config.Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Ledger.Backend != config.BackendSQLite || c.Lease.Backend != config.BackendRedis {
		t.Errorf("backends = %q/%q", c.Ledger.Backend, c.Lease.Backend)
	}
}
