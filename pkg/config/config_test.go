package config

import (
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	for _, key := range []string{"STORE_DRIVER", "OMNI_ADDR", "RECONCILE_INTERVAL_SECONDS", "WEBHOOK_DISPATCH"} {
		t.Setenv(key, "")
	}
	cfg := LoadServerConfig()
	if cfg.StoreDriver != StoreMemory {
		t.Fatalf("expected memory driver, got %q", cfg.StoreDriver)
	}
	if cfg.Addr != ":4000" {
		t.Fatalf("unexpected addr %q", cfg.Addr)
	}
	if cfg.ReconcileInterval != time.Minute {
		t.Fatalf("unexpected interval %s", cfg.ReconcileInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadServerConfigOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "Redis")
	t.Setenv("RECONCILE_INTERVAL_SECONDS", "5")
	t.Setenv("WEBHOOK_DISPATCH", "true")
	t.Setenv("REDIS_DB", "3")

	cfg := LoadServerConfig()
	if cfg.StoreDriver != StoreRedis {
		t.Fatalf("expected redis driver, got %q", cfg.StoreDriver)
	}
	if cfg.ReconcileInterval != 5*time.Second {
		t.Fatalf("unexpected interval %s", cfg.ReconcileInterval)
	}
	if !cfg.WebhookDispatch {
		t.Fatal("expected webhook dispatch enabled")
	}
	if cfg.RedisDB != 3 {
		t.Fatalf("unexpected redis db %d", cfg.RedisDB)
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("RECONCILE_INTERVAL_SECONDS", "soon")
	t.Setenv("WEBHOOK_DISPATCH", "maybe")
	if got := GetSeconds("RECONCILE_INTERVAL_SECONDS", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback, got %s", got)
	}
	if GetBool("WEBHOOK_DISPATCH", false) {
		t.Fatal("expected fallback false")
	}
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg := ServerConfig{StoreDriver: "sqlite"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
