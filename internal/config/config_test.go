package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LEADQ_RETELL_MOCK", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Port != 8080 {
		t.Errorf("http.port = %d, want 8080", cfg.HTTP.Port)
	}
	if cfg.Storage.Driver != "postgres" {
		t.Errorf("storage.driver = %q", cfg.Storage.Driver)
	}
	want := []time.Duration{5 * time.Minute, 30 * time.Minute, 2 * time.Hour}
	if len(cfg.Retry.Delays) != len(want) {
		t.Fatalf("retry.delays = %v, want %v", cfg.Retry.Delays, want)
	}
	for i := range want {
		if cfg.Retry.Delays[i] != want[i] {
			t.Fatalf("retry.delays = %v, want %v", cfg.Retry.Delays, want)
		}
	}
	if cfg.Scheduler.TickInterval != 5*time.Minute {
		t.Errorf("scheduler.tick_interval = %s, want 5m", cfg.Scheduler.TickInterval)
	}
	if cfg.Scheduler.StaleAfter != 30*time.Minute {
		t.Errorf("scheduler.stale_after = %s", cfg.Scheduler.StaleAfter)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte(`
storage:
  driver: memory
http:
  port: 9000
scheduler:
  tick_interval: 30s
  worker_count: 8
retell:
  api_key: from-file
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("LEADQ_HTTP_PORT", "9090")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Port != 9090 {
		t.Errorf("env should override file, got port %d", cfg.HTTP.Port)
	}
	if cfg.Storage.Driver != "memory" || cfg.Scheduler.WorkerCount != 8 || cfg.Scheduler.TickInterval != 30*time.Second {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.Retell.APIKey != "from-file" {
		t.Errorf("retell.api_key = %q", cfg.Retell.APIKey)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Storage:   StorageConfig{Driver: "memory"},
			HTTP:      HTTPConfig{Port: 8080},
			Retell:    RetellConfig{Mock: true},
			Scheduler: SchedulerConfig{TickInterval: time.Minute},
		}
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "sqlite" }, false},
		{"missing api key", func(c *Config) { c.Retell.Mock = false }, false},
		{"zero tick", func(c *Config) { c.Scheduler.TickInterval = 0 }, false},
		{"negative delay", func(c *Config) { c.Retry.Delays = []time.Duration{-time.Second} }, false},
		{"kafka without brokers", func(c *Config) { c.Kafka.Enabled = true }, false},
		{"run budget below lock ttl", func(c *Config) {
			c.Scheduler.LockTTL = 5 * time.Minute
			c.Scheduler.ProcessTimeout = 2 * time.Minute
		}, true},
		{"run budget outlives lock", func(c *Config) {
			c.Scheduler.LockTTL = 5 * time.Minute
			c.Scheduler.ProcessTimeout = 5 * time.Minute
		}, false},
		{"unbounded run with lock ttl", func(c *Config) { c.Scheduler.LockTTL = 5 * time.Minute }, false},
		{"scylla keyspace", func(c *Config) {
			c.Scylla = ScyllaConfig{Enabled: true, Hosts: []string{"localhost"}, Keyspace: "leadq"}
		}, true},
		{"scylla bad keyspace", func(c *Config) {
			c.Scylla = ScyllaConfig{Enabled: true, Hosts: []string{"localhost"}, Keyspace: "x; DROP"}
		}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}

	cfg := base()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Scheduler.WorkerCount != 1 {
		t.Errorf("worker count should default to 1, got %d", cfg.Scheduler.WorkerCount)
	}
}
