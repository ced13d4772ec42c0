// Package relayserver is the multi-tenant relay. It authenticates every
// join, holds the authoritative document of each room in memory, rebroadcasts
// merged updates to the other members and persists rooms through debounced
// snapshot writes.
package relayserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Onyx-Void-Labs/onyx-sub001/internal/auth"
	"github.com/Onyx-Void-Labs/onyx-sub001/internal/debounce"
	"github.com/Onyx-Void-Labs/onyx-sub001/internal/store"
)

var errServerClosed = errors.New("relay server closed")

type Config struct {
	AuthTimeout     time.Duration
	PersistDebounce time.Duration
	PersistRetry    time.Duration
	PersistTimeout  time.Duration
	EvictAfter      time.Duration
	SendBuffer      int
	MaxFrameBytes   int64
	RateLimitMax    int
	RateLimitWindow time.Duration
	AllowedOrigins  []string
	InstanceID      string
	Bus             Bus
	Registry        *prometheus.Registry
	Logger          *zerolog.Logger
}

type Server struct {
	store    store.Store
	verifier auth.Verifier
	cfg      Config
	logger   zerolog.Logger
	metrics  *metrics
	registry *prometheus.Registry
	router   *mux.Router
	limiter  *rateLimiter

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool
	loads  singleflight.Group

	persists  *debounce.Scheduler
	evictions *debounce.Scheduler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
	// expired entries are swept at most once per window
	nextSweep time.Time
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func New(st store.Store, verifier auth.Verifier, cfg Config) (*Server, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if verifier == nil {
		return nil, errors.New("verifier is required")
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	if cfg.PersistDebounce <= 0 {
		cfg.PersistDebounce = 100 * time.Millisecond
	}
	if cfg.PersistRetry <= 0 {
		cfg.PersistRetry = time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 10 * time.Second
	}
	if cfg.EvictAfter <= 0 {
		cfg.EvictAfter = 30 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 32 << 20
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		store:     st,
		verifier:  verifier,
		cfg:       cfg,
		logger:    logger.With().Str("component", "relay").Str("instance", cfg.InstanceID).Logger(),
		metrics:   newMetrics(cfg.Registry),
		registry:  cfg.Registry,
		limiter:   limiter,
		rooms:     map[string]*room{},
		persists:  debounce.New(),
		evictions: debounce.New(),
		ctx:       ctx,
		cancel:    cancel,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/sync", s.handleSync).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	})
	s.router = r

	if cfg.Bus != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := cfg.Bus.Run(ctx, s.handleBusMessage); err != nil {
				s.logger.Error().Err(err).Msg("fan-out bus stopped")
			}
		}()
	}
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) InstanceID() string {
	return s.cfg.InstanceID
}

// Rooms lists the rooms currently held in memory.
func (s *Server) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.rooms))
	for name := range s.rooms {
		names = append(names, name)
	}
	return names
}

// Snapshot returns the in-memory state of a loaded room.
func (s *Server) Snapshot(name string) ([]byte, bool) {
	s.mu.Lock()
	rm, ok := s.rooms[name]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return rm.doc.Snapshot(), true
}

// Close disconnects every member, writes every room with pending changes and
// stops background work. The store is left open for the caller.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.evictions.Close()
	s.persists.FlushAll()
	s.persists.Close()
	if s.cfg.Bus != nil {
		return s.cfg.Bus.Close()
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	rooms := len(s.rooms)
	members := 0
	for _, rm := range s.rooms {
		rm.mu.Lock()
		members += len(rm.members)
		rm.mu.Unlock()
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"rooms":       rooms,
		"connections": members,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if now.After(r.nextSweep) {
		for k, e := range r.entries {
			if now.After(e.resetAt) {
				delete(r.entries, k)
			}
		}
		r.nextSweep = now.Add(r.window)
	}
	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
