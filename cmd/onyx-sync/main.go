package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Onyx-Void-Labs/onyx-sub001/internal/auth"
	"github.com/Onyx-Void-Labs/onyx-sub001/internal/connection"
	"github.com/Onyx-Void-Labs/onyx-sub001/internal/discovery"
	"github.com/Onyx-Void-Labs/onyx-sub001/internal/syncclient"
)

type config struct {
	RelayURL     string
	TokenFile    string
	CachePath    string
	Discover     bool
	DiscoverWait time.Duration
	Create       string
	Once         bool
	OnceWait     time.Duration
	Seed         bool
	MaxRetries   int
	Backoff      connection.Backoff
}

func main() {
	cfg := config{}
	flag.StringVar(&cfg.RelayURL, "relay-url", strings.TrimSpace(os.Getenv("ONYX_RELAY_URL")), "relay websocket URL")
	flag.StringVar(&cfg.TokenFile, "token-file", envOrDefault("ONYX_TOKEN_FILE", "onyx-token.json"), "token file written by the sign-in flow")
	flag.StringVar(&cfg.CachePath, "cache", envOrDefault("ONYX_CACHE_PATH", "onyx-cache.db"), "local cache file")
	flag.BoolVar(&cfg.Discover, "discover", boolEnv("ONYX_DISCOVER", false), "find a relay on the local network when no URL is set")
	flag.DurationVar(&cfg.DiscoverWait, "discover-timeout", durationEnv("ONYX_DISCOVER_TIMEOUT", 3*time.Second), "how long to browse for relays")
	flag.StringVar(&cfg.Create, "create", "", "create a file with this title")
	flag.BoolVar(&cfg.Once, "once", false, "sync, print the file list and exit")
	flag.DurationVar(&cfg.OnceWait, "once-timeout", durationEnv("ONYX_ONCE_TIMEOUT", 5*time.Second), "how long -once waits for the relay")
	flag.BoolVar(&cfg.Seed, "seed", boolEnv("ONYX_SEED", true), "add a starter note to an empty workspace")
	flag.IntVar(&cfg.MaxRetries, "max-retries", intEnv("ONYX_MAX_RETRIES", 0), "reconnect attempts before giving up (0 retries forever)")
	cfg.Backoff = connection.Backoff{
		Initial:    durationEnv("ONYX_BACKOFF_INITIAL", 500*time.Millisecond),
		Max:        durationEnv("ONYX_BACKOFF_MAX", 30*time.Second),
		Multiplier: floatEnv("ONYX_BACKOFF_MULTIPLIER", 2),
		Jitter:     floatEnv("ONYX_BACKOFF_JITTER", 0.2),
	}
	flag.Parse()

	logger := newLogger(os.Getenv("ONYX_LOG_LEVEL"), os.Getenv("ONYX_LOG_FORMAT"))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, os.Stdout); err != nil {
		logger.Fatal().Err(err).Msg("sync failed")
	}
}

func run(ctx context.Context, cfg config, logger zerolog.Logger, out io.Writer) error {
	relayURL, err := resolveRelayURL(ctx, cfg, logger)
	if err != nil {
		return err
	}
	tokens := auth.NewFileTokenSource(cfg.TokenFile)

	opts := syncclient.Options{
		CachePath:  cfg.CachePath,
		RelayURL:   relayURL,
		Tokens:     tokens,
		Backoff:    cfg.Backoff,
		MaxRetries: cfg.MaxRetries,
		Logger:     &logger,
	}
	if cfg.Seed {
		opts.Seed = &syncclient.Seed{Title: "Welcome to Onyx", Body: "Notes you write here sync across your devices."}
	}
	client, err := syncclient.Open(ctx, opts)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.Err(); err != nil {
		logger.Warn().Err(err).Msg("sync client degraded")
	}

	statusSub := client.OnStatus(func(s connection.State) {
		logger.Info().Str("status", string(s)).Msg("connection status changed")
	})
	defer statusSub.Unsubscribe()
	filesSub := client.Subscribe(func(files []syncclient.FileMeta) {
		logger.Debug().Int("files", len(files)).Msg("workspace changed")
	})
	defer filesSub.Unsubscribe()

	if title := strings.TrimSpace(cfg.Create); title != "" {
		meta, err := client.CreateFile(title)
		if err != nil {
			return err
		}
		logger.Info().Str("file", meta.ID).Str("title", meta.Title).Msg("file created")
	}

	if cfg.Once {
		if relayURL != "" {
			if !waitForSync(ctx, client, cfg.OnceWait) {
				logger.Warn().Dur("timeout", cfg.OnceWait).Msg("relay did not sync in time, printing local state")
			}
		}
		return printFiles(out, client.Files())
	}

	g, gctx := errgroup.WithContext(ctx)
	if relayURL != "" {
		g.Go(func() error {
			err := tokens.Watch(gctx, func() {
				logger.Info().Msg("token file changed, reconnecting")
				client.Reconnect()
			})
			if err != nil && gctx.Err() == nil {
				logger.Warn().Err(err).Str("path", cfg.TokenFile).Msg("token watch disabled")
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	_ = g.Wait()
	logger.Info().Msg("sync stopped")
	return nil
}

func resolveRelayURL(ctx context.Context, cfg config, logger zerolog.Logger) (string, error) {
	if url := strings.TrimSpace(cfg.RelayURL); url != "" {
		return url, nil
	}
	if !cfg.Discover {
		logger.Info().Msg("no relay configured, working locally")
		return "", nil
	}
	ep, err := discovery.First(ctx, cfg.DiscoverWait)
	if err != nil {
		return "", fmt.Errorf("discover relay: %w", err)
	}
	logger.Info().Str("relay", ep.URL()).Str("instance", ep.Instance).Msg("relay discovered")
	return ep.URL(), nil
}

// waitForSync blocks until the client has exchanged state with the relay.
func waitForSync(ctx context.Context, client *syncclient.Client, timeout time.Duration) bool {
	synced := make(chan struct{}, 1)
	sub := client.OnSynced(func() {
		select {
		case synced <- struct{}{}:
		default:
		}
	})
	defer sub.Unsubscribe()
	if client.Synced() {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return client.Synced()
	case <-synced:
		return true
	}
}

func printFiles(out io.Writer, files []syncclient.FileMeta) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(files)
}

func newLogger(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	return logger.Level(lvl).With().Timestamp().Logger()
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
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

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %f\n", name, raw, fallback)
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
