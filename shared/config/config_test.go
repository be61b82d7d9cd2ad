package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseCSV(t *testing.T) {
	got := parseCSV("a, b, ,c,,")
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestParseAnyCSV(t *testing.T) {
	raw := []any{"x", " ", "y"}
	got := parseAnyCSV(raw)
	if len(got) != 2 {
		t.Fatalf("expected 2 items, got %d", len(got))
	}
	if got[0] != "x" || got[1] != "y" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func hasProblem(problems []Problem, field string) bool {
	for _, p := range problems {
		if p.Field == field {
			return true
		}
	}
	return false
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("CONFIG_PATH", "")
	cfg, problems := Load("publisher", 8080)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %+v", problems)
	}
	if cfg.RetryMaxAttempts != 3 || cfg.RetryInitialDelayMS != 100 || cfg.RetryBackoffFactor != 2 || cfg.RetryMaxDelayMS != 5000 {
		t.Fatalf("unexpected retry defaults: %+v", cfg)
	}
	if cfg.BreakerMaxFailures != 5 || cfg.BreakerResetTimeoutMS != 30000 || cfg.CacheDefaultTTLSec != 300 {
		t.Fatalf("unexpected breaker/cache defaults: %+v", cfg)
	}
	if len(cfg.FallbackTiers) != 3 || cfg.FallbackTiers[0] != TierSecondaryQueue {
		t.Fatalf("unexpected tiers: %v", cfg.FallbackTiers)
	}
}

func TestLoadFileThenEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "staging.json")
	body := `{"ENV":"staging","RETRY_MAX_ATTEMPTS":7,"FALLBACK_TIERS":["local-spool"],"OTEL_ENABLED":true,"KAFKA_BROKERS":"k1:9092, k2:9092"}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("ENV", "")
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("RETRY_MAX_ATTEMPTS", "4")

	cfg, problems := Load("publisher", 8080)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %+v", problems)
	}
	if cfg.Env != "staging" {
		t.Fatalf("expected env from file, got %q", cfg.Env)
	}
	if cfg.RetryMaxAttempts != 4 {
		t.Fatalf("expected env to override file, got %d", cfg.RetryMaxAttempts)
	}
	if len(cfg.FallbackTiers) != 1 || cfg.FallbackTiers[0] != TierLocalSpool || !cfg.OtelEnabled {
		t.Fatalf("expected file values, got %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 {
		t.Fatalf("expected two brokers, got %v", cfg.KafkaBrokers)
	}
}

func TestLoadClampsInvalidValues(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("RETRY_MAX_ATTEMPTS", "0")
	t.Setenv("RETRY_BACKOFF_FACTOR", "0.5")
	t.Setenv("BREAKER_MAX_FAILURES", "many")
	t.Setenv("FALLBACK_TIERS", "carrier-pigeon")
	t.Setenv("OTEL_SAMPLE_RATIO", "2")

	cfg, problems := Load("publisher", 8080)
	for _, field := range []string{"RETRY_MAX_ATTEMPTS", "RETRY_BACKOFF_FACTOR", "BREAKER_MAX_FAILURES", "FALLBACK_TIERS", "OTEL_SAMPLE_RATIO"} {
		if !hasProblem(problems, field) {
			t.Fatalf("expected problem for %s, got %+v", field, problems)
		}
	}
	if cfg.RetryMaxAttempts != 3 || cfg.RetryBackoffFactor != 2 || cfg.BreakerMaxFailures != 5 || cfg.OtelSampleRatio != 1 {
		t.Fatalf("expected clamped defaults, got %+v", cfg)
	}
	if len(cfg.FallbackTiers) != 3 {
		t.Fatalf("expected default tiers after rejecting all, got %v", cfg.FallbackTiers)
	}
}

func TestMissingEnvIsReported(t *testing.T) {
	t.Setenv("ENV", "")
	t.Setenv("CONFIG_PATH", "")
	cfg, problems := Load("publisher", 8080)
	if !hasProblem(problems, "ENV") || cfg.Env != "dev" {
		t.Fatalf("expected ENV problem and dev fallback, got %q %+v", cfg.Env, problems)
	}
}
