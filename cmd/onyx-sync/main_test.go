package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Onyx-Void-Labs/onyx-sub001/internal/auth"
	"github.com/Onyx-Void-Labs/onyx-sub001/internal/relayserver"
	"github.com/Onyx-Void-Labs/onyx-sub001/internal/store"
	"github.com/Onyx-Void-Labs/onyx-sub001/internal/syncclient"
)

func TestFloatEnvParsesValue(t *testing.T) {
	t.Setenv("ONYX_TEST_FLOAT", "0.35")
	if got := floatEnv("ONYX_TEST_FLOAT", 0.1); got != 0.35 {
		t.Fatalf("expected 0.35, got %f", got)
	}
}

func TestFloatEnvFallsBackOnInvalid(t *testing.T) {
	t.Setenv("ONYX_TEST_FLOAT_BAD", "oops")
	if got := floatEnv("ONYX_TEST_FLOAT_BAD", 0.25); got != 0.25 {
		t.Fatalf("expected fallback 0.25, got %f", got)
	}
}

func TestBoolEnv(t *testing.T) {
	t.Setenv("ONYX_TEST_BOOL", "true")
	if !boolEnv("ONYX_TEST_BOOL", false) {
		t.Fatalf("expected true")
	}
	t.Setenv("ONYX_TEST_BOOL", "maybe")
	if boolEnv("ONYX_TEST_BOOL", false) {
		t.Fatalf("expected fallback false")
	}
}

func TestResolveRelayURLPrefersConfiguredURL(t *testing.T) {
	got, err := resolveRelayURL(context.Background(), config{RelayURL: " ws://relay:8787/sync ", Discover: true}, zerolog.Nop())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "ws://relay:8787/sync" {
		t.Fatalf("unexpected url %q", got)
	}

	got, err = resolveRelayURL(context.Background(), config{}, zerolog.Nop())
	if err != nil || got != "" {
		t.Fatalf("expected local-only mode, got %q err=%v", got, err)
	}
}

func TestRunOnceLocalOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := config{
		CachePath: filepath.Join(dir, "cache.db"),
		TokenFile: filepath.Join(dir, "token.json"),
		Create:    "Groceries",
		Once:      true,
		Seed:      true,
	}
	var out bytes.Buffer
	if err := run(context.Background(), cfg, zerolog.Nop(), &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	var files []syncclient.FileMeta
	if err := json.Unmarshal(out.Bytes(), &files); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected seed note and created file, got %+v", files)
	}

	out.Reset()
	cfg.Create = ""
	if err := run(context.Background(), cfg, zerolog.Nop(), &out); err != nil {
		t.Fatalf("second run: %v", err)
	}
	files = nil
	if err := json.Unmarshal(out.Bytes(), &files); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected files restored from cache, got %+v", files)
	}
}

func TestRunOnceSyncsWithRelay(t *testing.T) {
	st := store.NewMemoryStore()
	srv, err := relayserver.New(st, auth.NewJWTVerifier("secret"), relayserver.Config{PersistDebounce: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Close()
	})

	dir := t.TempDir()
	tokenFile := filepath.Join(dir, "token.json")
	value, err := auth.IssueToken("secret", "u1", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if err := auth.WriteTokenFile(tokenFile, auth.Token{Value: value, OwnerID: "u1", ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("write token: %v", err)
	}

	relayURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sync"
	first := config{
		RelayURL:  relayURL,
		TokenFile: tokenFile,
		CachePath: filepath.Join(dir, "device-a.db"),
		Create:    "From device A",
		Once:      true,
		OnceWait:  2 * time.Second,
	}
	var out bytes.Buffer
	if err := run(context.Background(), first, zerolog.Nop(), &out); err != nil {
		t.Fatalf("device a: %v", err)
	}

	second := config{
		RelayURL:  relayURL,
		TokenFile: tokenFile,
		CachePath: filepath.Join(dir, "device-b.db"),
		Once:      true,
		OnceWait:  2 * time.Second,
	}
	out.Reset()
	if err := run(context.Background(), second, zerolog.Nop(), &out); err != nil {
		t.Fatalf("device b: %v", err)
	}
	var files []syncclient.FileMeta
	if err := json.Unmarshal(out.Bytes(), &files); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(files) != 1 || files[0].Title != "From device A" {
		t.Fatalf("expected device b to receive device a's file, got %+v", files)
	}
}
