package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Onyx-Void-Labs/onyx-sub001/internal/auth"
	"github.com/Onyx-Void-Labs/onyx-sub001/internal/discovery"
	"github.com/Onyx-Void-Labs/onyx-sub001/internal/relayserver"
	"github.com/Onyx-Void-Labs/onyx-sub001/internal/store"
)

func main() {
	logger := newLogger(os.Getenv("ONYX_LOG_LEVEL"), os.Getenv("ONYX_LOG_FORMAT"))
	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("relay failed")
	}
}

func run(logger zerolog.Logger) error {
	addr := envOrDefault("ONYX_RELAY_ADDR", ":8787")

	st, err := buildStoreFromEnv()
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer store.Close(st)

	verifier, err := buildVerifierFromEnv()
	if err != nil {
		return err
	}

	var bus relayserver.Bus
	if dsn := strings.TrimSpace(os.Getenv("ONYX_REDIS_BUS_URL")); dsn != "" {
		redisBus, err := relayserver.NewRedisBus(dsn)
		if err != nil {
			return fmt.Errorf("initialize redis bus: %w", err)
		}
		bus = redisBus
	}

	server, err := relayserver.New(st, verifier, relayserver.Config{
		AuthTimeout:     durationEnv("ONYX_AUTH_TIMEOUT", 0),
		PersistDebounce: durationEnv("ONYX_PERSIST_DEBOUNCE", 0),
		PersistRetry:    durationEnv("ONYX_PERSIST_RETRY", 0),
		EvictAfter:      durationEnv("ONYX_EVICT_AFTER", 0),
		SendBuffer:      intEnv("ONYX_SEND_BUFFER", 0),
		MaxFrameBytes:   int64Env("ONYX_MAX_FRAME_BYTES", 0),
		RateLimitMax:    intEnv("ONYX_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("ONYX_RATE_LIMIT_WINDOW", time.Minute),
		AllowedOrigins:  splitList(os.Getenv("ONYX_ALLOWED_ORIGINS")),
		Bus:             bus,
		Logger:          &logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		_ = server.Close()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	httpServer := &http.Server{Handler: server, ReadHeaderTimeout: 10 * time.Second}

	if boolEnv("ONYX_ADVERTISE", false) {
		host, _ := os.Hostname()
		ad, err := discovery.Advertise("onyx-relay-"+host, listener.Addr().(*net.TCPAddr).Port, "/sync")
		if err != nil {
			logger.Warn().Err(err).Msg("mdns advertisement disabled")
		} else {
			defer ad.Shutdown()
			logger.Info().Str("service", discovery.Service).Msg("advertising relay on local network")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", listener.Addr().String()).Str("instance", server.InstanceID()).Msg("relay listening")
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		if closeErr := server.Close(); err == nil {
			err = closeErr
		}
		logger.Info().Msg("relay stopped")
		return err
	})
	return g.Wait()
}

func buildVerifierFromEnv() (auth.Verifier, error) {
	secret := strings.TrimSpace(os.Getenv("ONYX_JWT_SECRET"))
	refreshURL := strings.TrimSpace(os.Getenv("ONYX_AUTH_REFRESH_URL"))
	switch {
	case refreshURL != "":
		return auth.NewRefreshVerifier(refreshURL,
			auth.WithRetries(intEnv("ONYX_AUTH_RETRIES", 3), 200*time.Millisecond, 2*time.Second),
		), nil
	case secret != "":
		return auth.NewJWTVerifier(secret), nil
	default:
		return nil, fmt.Errorf("ONYX_JWT_SECRET or ONYX_AUTH_REFRESH_URL is required")
	}
}

func buildStoreFromEnv() (store.Store, error) {
	if dsn := strings.TrimSpace(os.Getenv("ONYX_STORE_DSN")); dsn != "" {
		return store.BuildFromDSN(dsn)
	}
	dsn, err := storeProfileDSN()
	if err != nil {
		return nil, err
	}
	return store.BuildFromDSN(dsn)
}

func storeProfileDSN() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("ONYX_STORE_PROFILE")))
	dataDir := envOrDefault("ONYX_DATA_DIR", ".onyx")
	switch profile {
	case "", "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "rooms"), nil
	case "production", "prod":
		dsn := strings.TrimSpace(os.Getenv("ONYX_PRODUCTION_DSN"))
		if dsn == "" {
			dsn = strings.TrimSpace(os.Getenv("ONYX_POSTGRES_DSN"))
		}
		if dsn == "" {
			return "", fmt.Errorf("ONYX_PRODUCTION_DSN or ONYX_POSTGRES_DSN is required when ONYX_STORE_PROFILE=%s", profile)
		}
		return dsn, nil
	default:
		return "", fmt.Errorf("unsupported ONYX_STORE_PROFILE: %s", profile)
	}
}

func newLogger(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(lvl).With().Timestamp().Str("service", "onyx-relay").Logger()
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %d\n", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %d\n", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %t\n", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %s\n", name, raw, fallback.String())
		return fallback
	}
	return value
}
