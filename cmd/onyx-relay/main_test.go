package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Onyx-Void-Labs/onyx-sub001/internal/auth"
	"github.com/Onyx-Void-Labs/onyx-sub001/internal/store"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("ONYX_TEST_INT", "42")
	if got := intEnv("ONYX_TEST_INT", 7); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("ONYX_TEST_INT_BAD", "not-a-number")
	if got := intEnv("ONYX_TEST_INT_BAD", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("ONYX_TEST_DURATION", "150ms")
	if got := durationEnv("ONYX_TEST_DURATION", time.Second); got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("ONYX_TEST_DURATION_BAD", "soon")
	if got := durationEnv("ONYX_TEST_DURATION_BAD", 2*time.Second); got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("ONYX_TEST_INT_UNSET")
	_ = os.Unsetenv("ONYX_TEST_BOOL_UNSET")
	if got := intEnv("ONYX_TEST_INT_UNSET", 9); got != 9 {
		t.Fatalf("expected fallback 9, got %d", got)
	}
	if got := boolEnv("ONYX_TEST_BOOL_UNSET", true); !got {
		t.Fatalf("expected fallback true")
	}
}

func TestStoreProfiles(t *testing.T) {
	t.Setenv("ONYX_STORE_PROFILE", "memory")
	if dsn, err := storeProfileDSN(); err != nil || dsn != "memory://" {
		t.Fatalf("memory profile: dsn=%q err=%v", dsn, err)
	}

	dir := t.TempDir()
	t.Setenv("ONYX_STORE_PROFILE", "durable-local")
	t.Setenv("ONYX_DATA_DIR", dir)
	dsn, err := storeProfileDSN()
	if err != nil {
		t.Fatalf("durable-local profile: %v", err)
	}
	if want := "file://" + filepath.Join(dir, "rooms"); dsn != want {
		t.Fatalf("expected %q, got %q", want, dsn)
	}
	st, err := buildStoreFromEnv()
	if err != nil {
		t.Fatalf("build durable-local store: %v", err)
	}
	if _, ok := st.(*store.FileStore); !ok {
		t.Fatalf("expected file store, got %T", st)
	}

	t.Setenv("ONYX_STORE_PROFILE", "production")
	t.Setenv("ONYX_PRODUCTION_DSN", "")
	t.Setenv("ONYX_POSTGRES_DSN", "")
	if _, err := storeProfileDSN(); err == nil {
		t.Fatalf("expected production profile without dsn to fail")
	}

	t.Setenv("ONYX_STORE_PROFILE", "tape")
	if _, err := storeProfileDSN(); err == nil {
		t.Fatalf("expected unknown profile to fail")
	}
}

func TestStoreDSNOverridesProfile(t *testing.T) {
	t.Setenv("ONYX_STORE_PROFILE", "tape")
	t.Setenv("ONYX_STORE_DSN", "memory://")
	st, err := buildStoreFromEnv()
	if err != nil {
		t.Fatalf("build store: %v", err)
	}
	if _, ok := st.(*store.MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", st)
	}
}

func TestBuildVerifierFromEnv(t *testing.T) {
	t.Setenv("ONYX_JWT_SECRET", "")
	t.Setenv("ONYX_AUTH_REFRESH_URL", "")
	if _, err := buildVerifierFromEnv(); err == nil {
		t.Fatalf("expected missing verifier config to fail")
	}

	t.Setenv("ONYX_JWT_SECRET", "secret")
	v, err := buildVerifierFromEnv()
	if err != nil {
		t.Fatalf("jwt verifier: %v", err)
	}
	if _, ok := v.(*auth.JWTVerifier); !ok {
		t.Fatalf("expected jwt verifier, got %T", v)
	}

	t.Setenv("ONYX_AUTH_REFRESH_URL", "http://127.0.0.1:8090/api/collections/users/auth-refresh")
	v, err = buildVerifierFromEnv()
	if err != nil {
		t.Fatalf("refresh verifier: %v", err)
	}
	if _, ok := v.(*auth.RefreshVerifier); !ok {
		t.Fatalf("expected refresh verifier, got %T", v)
	}
}

func TestNewLoggerLevels(t *testing.T) {
	if got := newLogger("debug", "json").GetLevel(); got != zerolog.DebugLevel {
		t.Fatalf("expected debug level, got %s", got)
	}
	if got := newLogger("nonsense", "console").GetLevel(); got != zerolog.InfoLevel {
		t.Fatalf("expected info fallback, got %s", got)
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a.example , ,b.example")
	if len(got) != 2 || got[0] != "a.example" || got[1] != "b.example" {
		t.Fatalf("unexpected list %v", got)
	}
}
