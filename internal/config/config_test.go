package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	tests := []struct {
		name  string
		check func(*Config) bool
	}{
		{"default mode is api", func(c *Config) bool { return c.Mode == "api" }},
		{"default host is 0.0.0.0", func(c *Config) bool { return c.Host == "0.0.0.0" }},
		{"default port is 8080", func(c *Config) bool { return c.Port == 8080 }},
		{"default log level is info", func(c *Config) bool { return c.LogLevel == "info" }},
		{"default log format is json", func(c *Config) bool { return c.LogFormat == "json" }},
		{"default loop interval is 5s", func(c *Config) bool { return c.LoopIntervalSec == 5 }},
		{"default gc interval is 30s", func(c *Config) bool { return c.GCIntervalSec == 30 }},
		{"default global max vms is 100", func(c *Config) bool { return c.GlobalMaxVMs == 100 }},
		{"default label max inflight is 5", func(c *Config) bool { return c.LabelMaxInflight == 5 }},
		{"default label burst is 3", func(c *Config) bool { return c.LabelBurst == 3 }},
		{"default connect deadline is 240s", func(c *Config) bool { return c.ConnectDeadlineSec == 240 }},
		{"default disconnected grace is 60s", func(c *Config) bool { return c.DisconnectedGraceSec == 60 }},
		{"default vm ttl is 7200s", func(c *Config) bool { return c.VMTTLSec == 7200 }},
		{"default host stale timeout is 20s", func(c *Config) bool { return c.HostStaleTimeoutSec == 20 }},
		{"default retry attempts is 3", func(c *Config) bool { return c.RetryAttempts == 3 }},
		{"default retry sleep is 10s", func(c *Config) bool { return c.RetrySleepSec == 10 }},
		{"unknown host registration disabled by default", func(c *Config) bool { return !c.AllowUnknownHostRegistration }},
		{"listen addr format", func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("unexpected default for %s", tt.name)
			}
		})
	}
}
