// Package syncclient is the device-side entry point. A Client owns the
// workspace document, its local cache binding and its relay connection;
// every mutation commits locally first and reaches the cache and relay in
// the background.
package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Onyx-Void-Labs/onyx-sub001/internal/auth"
	"github.com/Onyx-Void-Labs/onyx-sub001/internal/connection"
	"github.com/Onyx-Void-Labs/onyx-sub001/internal/crdt"
	"github.com/Onyx-Void-Labs/onyx-sub001/internal/localcache"
	"github.com/Onyx-Void-Labs/onyx-sub001/internal/notify"
	"github.com/Onyx-Void-Labs/onyx-sub001/internal/wire"
)

const (
	DefaultTitle = "Untitled Note"

	filesMap     = "files"
	workspaceKey = "workspace"
)

var (
	ErrFileNotFound = errors.New("file not found")
	ErrClosed       = errors.New("sync client closed")
)

// FileMeta is one workspace entry. Times are Unix milliseconds.
type FileMeta struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// FilePatch lists the fields UpdateFile changes; nil fields are kept.
type FilePatch struct {
	Title *string
}

// Seed is the starter note written into an empty workspace.
type Seed struct {
	ID    string
	Title string
	Body  string
}

type Options struct {
	// CachePath is the bbolt file backing the local cache. Empty keeps
	// everything in memory.
	CachePath string
	// RelayURL is the relay websocket endpoint. Empty disables sync.
	RelayURL string
	Tokens   auth.TokenSource
	Seed     *Seed

	Now   func() time.Time
	NewID func() string

	Backoff       connection.Backoff
	MaxRetries    int
	AuthTimeout   time.Duration
	CacheDebounce time.Duration
	HTTPClient    *http.Client
	Logger        *zerolog.Logger
}

type Client struct {
	opts   Options
	logger zerolog.Logger
	ctx    context.Context

	doc     *crdt.Document
	cache   *localcache.Cache
	binding *localcache.Binding
	conn    *connection.Connection
	// cacheErr records unrecoverable local storage failure; the client
	// keeps working in memory without touching the cache afterwards.
	cacheErr error

	files    notify.Registry[[]FileMeta]
	statuses notify.Registry[connection.State]
	syncs    notify.Registry[struct{}]
	subs     []notify.Subscription

	mu     sync.Mutex
	notes  map[string]*noteEntry
	closed bool
}

// Open loads the workspace from the local cache, seeds it when empty and
// starts the relay connection. Cache failures do not fail Open; they are
// reported by Err.
func Open(ctx context.Context, opts Options) (*Client, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if strings.TrimSpace(opts.RelayURL) != "" && opts.Tokens == nil {
		return nil, fmt.Errorf("token source is required when a relay url is set")
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	c := &Client{
		opts:   opts,
		logger: logger.With().Str("component", "syncclient").Logger(),
		ctx:    ctx,
		doc:    crdt.NewDocument(""),
		notes:  map[string]*noteEntry{},
	}

	if strings.TrimSpace(opts.CachePath) != "" {
		cache, err := localcache.Open(localcache.Options{
			Path:     opts.CachePath,
			Debounce: opts.CacheDebounce,
			Logger:   opts.Logger,
		})
		if err != nil {
			c.cacheErr = err
			c.logger.Error().Err(err).Msg("local cache unavailable, continuing in memory")
		} else {
			c.cache = cache
			binding, err := cache.Bind(workspaceKey, c.doc)
			if err != nil {
				c.cacheErr = err
				c.logger.Error().Err(err).Msg("workspace cache unusable, continuing in memory")
			} else {
				c.binding = binding
			}
		}
	}

	if opts.Seed != nil {
		if err := c.seed(*opts.Seed); err != nil {
			c.logger.Warn().Err(err).Msg("seeding workspace failed")
		}
	}

	c.subs = append(c.subs, c.doc.Observe(func() {
		c.files.Publish(c.Files())
	}))

	if strings.TrimSpace(opts.RelayURL) != "" {
		conn, err := c.newConnection(c.doc, wire.WorkspaceRoom)
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		c.conn = conn
		c.subs = append(c.subs, conn.OnState(func(s connection.State) {
			c.statuses.Publish(s)
		}), conn.OnSynced(func() {
			c.syncs.Publish(struct{}{})
		}))
		conn.Start(ctx)
	}
	return c, nil
}

func (c *Client) newConnection(doc *crdt.Document, room func(owner string) string) (*connection.Connection, error) {
	return connection.New(connection.Options{
		URL:         c.opts.RelayURL,
		Tokens:      c.opts.Tokens,
		Document:    doc,
		Room:        room,
		Backoff:     c.opts.Backoff,
		MaxRetries:  c.opts.MaxRetries,
		AuthTimeout: c.opts.AuthTimeout,
		HTTPClient:  c.opts.HTTPClient,
		Logger:      c.opts.Logger,
	})
}

// seed inserts the starter note only when the workspace is still empty.
func (c *Client) seed(s Seed) error {
	if s.ID == "" {
		s.ID = "welcome"
	}
	now := c.opts.Now().UnixMilli()
	seeded := false
	if _, err := c.doc.Mutate(func(tx *crdt.Txn) error {
		if tx.Len(filesMap) > 0 {
			return nil
		}
		tx.Put(filesMap, s.ID, metaFields(FileMeta{ID: s.ID, Title: titleOrDefault(s.Title), CreatedAt: now, UpdatedAt: now}))
		seeded = true
		return nil
	}); err != nil {
		return err
	}
	if !seeded || s.Body == "" || c.cache == nil || c.cacheErr != nil {
		return nil
	}
	key := noteKey(s.ID)
	existing, err := c.cache.Load(key)
	if err != nil || existing != nil {
		return err
	}
	body := crdt.NewDocument("")
	if _, err := body.Mutate(func(tx *crdt.Txn) error {
		tx.Insert(noteText, 0, s.Body)
		return nil
	}); err != nil {
		return err
	}
	return c.cache.Save(key, body.Snapshot())
}

func (c *Client) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// CreateFile commits a new entry locally and returns it. An empty title
// becomes DefaultTitle.
func (c *Client) CreateFile(title string) (FileMeta, error) {
	if err := c.checkOpen(); err != nil {
		return FileMeta{}, err
	}
	now := c.opts.Now().UnixMilli()
	meta := FileMeta{ID: c.opts.NewID(), Title: titleOrDefault(title), CreatedAt: now, UpdatedAt: now}
	if _, err := c.doc.Mutate(func(tx *crdt.Txn) error {
		tx.Put(filesMap, meta.ID, metaFields(meta))
		return nil
	}); err != nil {
		return FileMeta{}, err
	}
	return meta, nil
}

func (c *Client) DeleteFile(id string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	_, err := c.doc.Mutate(func(tx *crdt.Txn) error {
		if _, ok := tx.Get(filesMap, id); !ok {
			return fmt.Errorf("%w: %s", ErrFileNotFound, id)
		}
		tx.Delete(filesMap, id)
		return nil
	})
	return err
}

// UpdateFile writes the patched fields and stamps updatedAt. Each field is
// its own register, so concurrent edits to different fields all survive.
func (c *Client) UpdateFile(id string, patch FilePatch) (FileMeta, error) {
	if err := c.checkOpen(); err != nil {
		return FileMeta{}, err
	}
	_, err := c.doc.Mutate(func(tx *crdt.Txn) error {
		if _, ok := tx.Get(filesMap, id); !ok {
			return fmt.Errorf("%w: %s", ErrFileNotFound, id)
		}
		fields := map[string]any{"updatedAt": c.opts.Now().UnixMilli()}
		if patch.Title != nil {
			fields["title"] = *patch.Title
		}
		tx.SetFields(filesMap, id, fields)
		return nil
	})
	if err != nil {
		return FileMeta{}, err
	}
	return c.File(id)
}

func (c *Client) File(id string) (FileMeta, error) {
	fields, ok := c.doc.Entry(filesMap, id)
	if !ok {
		return FileMeta{}, fmt.Errorf("%w: %s", ErrFileNotFound, id)
	}
	return decodeMeta(id, fields), nil
}

// Files returns every entry, newest first.
func (c *Client) Files() []FileMeta {
	entries := c.doc.Entries(filesMap)
	out := make([]FileMeta, 0, len(entries))
	for id, fields := range entries {
		out = append(out, decodeMeta(id, fields))
	}
	sortFiles(out)
	return out
}

// Subscribe calls fn with the sorted file list after every change.
func (c *Client) Subscribe(fn func([]FileMeta)) notify.Subscription {
	return c.files.Subscribe(fn)
}

// Status is the workspace connection state; offline when sync is disabled.
func (c *Client) Status() connection.State {
	if c.conn == nil {
		return connection.StateOffline
	}
	return c.conn.State()
}

func (c *Client) OnStatus(fn func(connection.State)) notify.Subscription {
	return c.statuses.Subscribe(fn)
}

// Synced reports whether the workspace connection has caught up with the
// relay. It is always false when working locally.
func (c *Client) Synced() bool {
	return c.conn != nil && c.conn.Synced()
}

// OnSynced registers fn to run each time the workspace connection catches up
// with the relay.
func (c *Client) OnSynced(fn func()) notify.Subscription {
	return c.syncs.Subscribe(func(struct{}) { fn() })
}

// Reconnect restarts the workspace and open note connections, for example
// after the user signs in again.
func (c *Client) Reconnect() {
	if c.conn == nil {
		return
	}
	c.conn.Restart()
	c.mu.Lock()
	notes := make([]*noteEntry, 0, len(c.notes))
	for _, n := range c.notes {
		notes = append(notes, n)
	}
	c.mu.Unlock()
	for _, n := range notes {
		if n.conn != nil {
			n.conn.Restart()
		}
	}
}

// Err reports what needs the user's attention: local storage corruption or
// a connection that stopped retrying.
func (c *Client) Err() error {
	if c.cacheErr != nil {
		return c.cacheErr
	}
	if c.conn != nil {
		return c.conn.Err()
	}
	return nil
}

// Document exposes the workspace document for tooling and tests.
func (c *Client) Document() *crdt.Document {
	return c.doc
}

// Close stops sync, writes pending cache snapshots and releases the cache.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	notes := make([]*noteEntry, 0, len(c.notes))
	for _, n := range c.notes {
		notes = append(notes, n)
	}
	c.notes = map[string]*noteEntry{}
	c.mu.Unlock()

	for _, n := range notes {
		n.release()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	for _, sub := range c.subs {
		sub.Unsubscribe()
	}
	if c.binding != nil {
		c.binding.Close()
	}
	if c.cache != nil {
		return c.cache.Close()
	}
	return nil
}

func titleOrDefault(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return DefaultTitle
	}
	return title
}

func metaFields(m FileMeta) map[string]any {
	return map[string]any{
		"id":        m.ID,
		"title":     m.Title,
		"createdAt": m.CreatedAt,
		"updatedAt": m.UpdatedAt,
	}
}

func decodeMeta(id string, fields map[string]json.RawMessage) FileMeta {
	m := FileMeta{ID: id}
	_ = json.Unmarshal(fields["title"], &m.Title)
	_ = json.Unmarshal(fields["createdAt"], &m.CreatedAt)
	_ = json.Unmarshal(fields["updatedAt"], &m.UpdatedAt)
	return m
}

func sortFiles(files []FileMeta) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].CreatedAt != files[j].CreatedAt {
			return files[i].CreatedAt > files[j].CreatedAt
		}
		return files[i].ID < files[j].ID
	})
}
