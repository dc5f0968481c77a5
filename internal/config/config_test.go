package config

import "testing"

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("REDISDRIVER_MODE", "sentinel")
	t.Setenv("REDISDRIVER_SENTINEL_ADDRS", "10.0.0.1:26379,10.0.0.2:26379")
	t.Setenv("REDISDRIVER_SENTINEL_MASTERS", "mymaster")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxRetries != 4 {
		t.Fatalf("expected default MaxRetries=4, got %d", cfg.MaxRetries)
	}
	if len(cfg.SentinelAddrs) != 2 {
		t.Fatalf("expected 2 sentinel addrs, got %v", cfg.SentinelAddrs)
	}
}

func TestLoadRejectsMissingSentinelAddrs(t *testing.T) {
	t.Setenv("REDISDRIVER_MODE", "sentinel")
	t.Setenv("REDISDRIVER_SENTINEL_ADDRS", "")
	t.Setenv("REDISDRIVER_SENTINEL_MASTERS", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected a validation error when sentinel addrs/masters are missing")
	}
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	t.Setenv("REDISDRIVER_MODE", "bogus")

	if _, err := Load(); err == nil {
		t.Fatal("expected a validation error for an unrecognized mode")
	}
}

func TestDynamicControlCarriesConfiguredValues(t *testing.T) {
	t.Setenv("REDISDRIVER_MODE", "cluster")
	t.Setenv("REDISDRIVER_CLUSTER_SEEDS", "10.0.0.1:7000")
	t.Setenv("REDISDRIVER_MAX_RETRIES", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctl := cfg.DynamicControl()
	if ctl.MaxRetries != 7 {
		t.Fatalf("expected MaxRetries=7 carried into Control, got %d", ctl.MaxRetries)
	}
}
