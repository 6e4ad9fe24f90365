package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("WORKER_DISPATCH", "")
	t.Setenv("DATABASE_DRIVER", "")

	cfg := Load()
	if cfg.Worker.Dispatch != "local" {
		t.Fatalf("expected local dispatch, got %q", cfg.Worker.Dispatch)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Fatalf("expected sqlite driver, got %q", cfg.Database.Driver)
	}
	if cfg.Providers.Default != "mock" {
		t.Fatalf("expected mock default provider, got %q", cfg.Providers.Default)
	}
	if cfg.Worker.StepTimeout != 10*time.Minute {
		t.Fatalf("expected 10m step timeout, got %s", cfg.Worker.StepTimeout)
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("TEST_DURATION_GO", "90s")
	t.Setenv("TEST_DURATION_SECS", "2.5")
	t.Setenv("TEST_DURATION_BAD", "soon")

	if got := envDuration("TEST_DURATION_GO", time.Second); got != 90*time.Second {
		t.Fatalf("expected 90s, got %s", got)
	}
	if got := envDuration("TEST_DURATION_SECS", time.Second); got != 2500*time.Millisecond {
		t.Fatalf("expected 2.5s, got %s", got)
	}
	if got := envDuration("TEST_DURATION_BAD", time.Second); got != time.Second {
		t.Fatalf("expected fallback, got %s", got)
	}
}
