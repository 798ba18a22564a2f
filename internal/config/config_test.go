package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8081" {
		t.Fatalf("addr = %q, want :8081", cfg.Addr)
	}
	if cfg.DefaultToughness != 4 {
		t.Fatalf("default toughness = %d, want 4", cfg.DefaultToughness)
	}
	if cfg.PromptTimeout != 30*time.Second {
		t.Fatalf("prompt timeout = %s, want 30s", cfg.PromptTimeout)
	}
	if cfg.OtelEndpoint != "" {
		t.Fatalf("otel endpoint = %q, want empty", cfg.OtelEndpoint)
	}
}

func TestLoadPortOverridesAddr(t *testing.T) {
	t.Setenv("W40K_ADDR", ":9000")
	t.Setenv("PORT", "7000")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7000" {
		t.Fatalf("addr = %q, want :7000", cfg.Addr)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("W40K_DEFAULT_TOUGHNESS", "not-an-int")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env error, got %v", err)
	}

	t.Setenv("W40K_DEFAULT_TOUGHNESS", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for zero toughness")
	}
}
