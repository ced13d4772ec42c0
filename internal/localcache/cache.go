// Package localcache keeps the latest snapshot of each local document in a
// per-device bbolt database.
package localcache

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/Onyx-Void-Labs/onyx-sub001/internal/crdt"
	"github.com/Onyx-Void-Labs/onyx-sub001/internal/debounce"
	"github.com/Onyx-Void-Labs/onyx-sub001/internal/notify"
)

var (
	ErrCorrupt      = errors.New("local cache snapshot is corrupt")
	ErrClosed       = errors.New("local cache closed")
	ErrAlreadyBound = errors.New("document already bound")
)

var snapshotBucket = []byte("snapshots")

const (
	defaultDebounce   = 250 * time.Millisecond
	defaultRetryDelay = time.Second
)

type Options struct {
	Path       string
	Debounce   time.Duration
	RetryDelay time.Duration
	Logger     *zerolog.Logger
}

type Cache struct {
	db         *bolt.DB
	debounce   time.Duration
	retryDelay time.Duration
	logger     zerolog.Logger
	writes     *debounce.Scheduler

	mu       sync.Mutex
	bindings map[string]*Binding
	closed   bool
}

func Open(opts Options) (*Cache, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("cache path is required")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open local cache: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init local cache: %w", err)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Cache{
		db:         db,
		debounce:   opts.Debounce,
		retryDelay: opts.RetryDelay,
		logger:     logger.With().Str("component", "localcache").Logger(),
		writes:     debounce.New(),
		bindings:   map[string]*Binding{},
	}, nil
}

// Load returns the stored snapshot for name, or nil when none exists.
func (c *Cache) Load(name string) ([]byte, error) {
	var out []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotBucket)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(name)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

func (c *Cache) Save(name string, snapshot []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(snapshotBucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(name), snapshot)
	})
}

func (c *Cache) Names() ([]string, error) {
	var names []string
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

// Binding ties one document to its cache entry until Close.
type Binding struct {
	cache *Cache
	name  string
	doc   *crdt.Document
	sub   notify.Subscription
	once  sync.Once
}

// Bind loads the stored snapshot for name into doc and then persists every
// later change, coalescing bursts into one write per quiet period.
func (c *Cache) Bind(name string, doc *crdt.Document) (*Binding, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := c.bindings[name]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyBound, name)
	}
	b := &Binding{cache: c, name: name, doc: doc}
	c.bindings[name] = b
	c.mu.Unlock()

	stored, err := c.Load(name)
	if err != nil {
		c.unregister(b)
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	if stored != nil {
		if _, err := doc.Merge(stored, c); err != nil {
			c.unregister(b)
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
		}
	}
	b.sub = doc.OnUpdate(func(crdt.UpdateEvent) {
		c.scheduleWrite(b, c.debounce)
	})
	return b, nil
}

func (c *Cache) scheduleWrite(b *Binding, delay time.Duration) {
	c.writes.Schedule(b.name, delay, func() { c.write(b) })
}

func (c *Cache) write(b *Binding) {
	if err := c.Save(b.name, b.doc.Snapshot()); err != nil {
		if errors.Is(err, ErrClosed) {
			return
		}
		c.logger.Warn().Err(err).Str("document", b.name).Msg("snapshot write failed, retrying")
		c.scheduleWrite(b, c.retryDelay)
	}
}

func (c *Cache) unregister(b *Binding) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bindings[b.name] == b {
		delete(c.bindings, b.name)
	}
}

func (b *Binding) Name() string {
	return b.name
}

// Pending reports whether a snapshot write is waiting for its window.
func (b *Binding) Pending() bool {
	return b.cache.writes.Pending(b.name)
}

// Flush writes any pending snapshot now.
func (b *Binding) Flush() {
	b.cache.writes.Flush(b.name)
}

// Close stops tracking the document and completes any pending write.
func (b *Binding) Close() {
	b.once.Do(func() {
		if b.sub != nil {
			b.sub.Unsubscribe()
		}
		b.cache.writes.Flush(b.name)
		b.cache.unregister(b)
	})
}

// Close completes pending writes for every binding, waits for writes in
// flight and closes the database.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	bindings := make([]*Binding, 0, len(c.bindings))
	for _, b := range c.bindings {
		bindings = append(bindings, b)
	}
	c.mu.Unlock()

	for _, b := range bindings {
		b.Close()
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.writes.Close()
	return c.db.Close()
}
