package syncclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Onyx-Void-Labs/onyx-sub001/internal/auth"
	"github.com/Onyx-Void-Labs/onyx-sub001/internal/connection"
	"github.com/Onyx-Void-Labs/onyx-sub001/internal/crdt"
	"github.com/Onyx-Void-Labs/onyx-sub001/internal/localcache"
	"github.com/Onyx-Void-Labs/onyx-sub001/internal/relayserver"
	"github.com/Onyx-Void-Labs/onyx-sub001/internal/store"
	"github.com/Onyx-Void-Labs/onyx-sub001/internal/wire"
)

const testSecret = "dev-secret"

var noToken = auth.TokenSourceFunc(func(context.Context) (auth.Token, error) {
	return auth.Token{}, auth.ErrNoToken
})

// switchableTokens starts signed out until set is called.
type switchableTokens struct {
	mu    sync.Mutex
	token *auth.Token
}

func (s *switchableTokens) set(tok auth.Token) {
	s.mu.Lock()
	s.token = &tok
	s.mu.Unlock()
}

func (s *switchableTokens) Token(context.Context) (auth.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == nil {
		return auth.Token{}, auth.ErrNoToken
	}
	return *s.token, nil
}

func issue(t *testing.T, owner string) auth.Token {
	t.Helper()
	value, err := auth.IssueToken(testSecret, owner, time.Now().Add(time.Hour))
	require.NoError(t, err)
	return auth.Token{Value: value, OwnerID: owner}
}

func newRelay(t *testing.T, st store.Store) (*relayserver.Server, string) {
	t.Helper()
	srv, err := relayserver.New(st, auth.NewJWTVerifier(testSecret), relayserver.Config{PersistDebounce: 10 * time.Millisecond})
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/sync"
}

// sequence returns ids and clocks that advance on every call.
func sequence(prefix string) (func() string, func() time.Time) {
	var n atomic.Int64
	base := time.UnixMilli(1_700_000_000_000)
	ids := func() string {
		return prefix + strconv.FormatInt(n.Add(1), 10)
	}
	var clock atomic.Int64
	now := func() time.Time {
		return base.Add(time.Duration(clock.Add(1)) * time.Second)
	}
	return ids, now
}

func open(t *testing.T, opts Options) *Client {
	t.Helper()
	c, err := Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func roomFiles(t *testing.T, srv *relayserver.Server, room string) int {
	t.Helper()
	snap, ok := srv.Snapshot(room)
	if !ok {
		return -1
	}
	doc := crdt.NewDocument("")
	require.NoError(t, doc.Apply(snap))
	return doc.Len(filesMap)
}

func TestCreateFileCommitsOfflineWithoutNetwork(t *testing.T) {
	var requests atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		requests.Add(1)
	}))
	defer ts.Close()

	path := filepath.Join(t.TempDir(), "cache.db")
	ids, now := sequence("f")
	c := open(t, Options{
		CachePath:     path,
		RelayURL:      "ws" + strings.TrimPrefix(ts.URL, "http") + "/sync",
		Tokens:        noToken,
		NewID:         ids,
		Now:           now,
		CacheDebounce: 10 * time.Millisecond,
	})
	require.Equal(t, connection.StateOffline, c.Status())

	meta, err := c.CreateFile("Note A")
	require.NoError(t, err)
	require.Equal(t, "f1", meta.ID)
	require.Equal(t, []FileMeta{meta}, c.Files())
	require.NoError(t, c.Close())
	require.Zero(t, requests.Load())

	cache, err := localcache.Open(localcache.Options{Path: path})
	require.NoError(t, err)
	defer cache.Close()
	stored, err := cache.Load(workspaceKey)
	require.NoError(t, err)
	doc := crdt.NewDocument("")
	require.NoError(t, doc.Apply(stored))
	require.Equal(t, 1, doc.Len(filesMap))
}

func TestWorkspaceRestoresFromCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	first, err := Open(context.Background(), Options{CachePath: path})
	require.NoError(t, err)
	created, err := first.CreateFile("")
	require.NoError(t, err)
	require.Equal(t, DefaultTitle, created.Title)
	require.NoError(t, first.Close())

	second := open(t, Options{CachePath: path})
	got, err := second.File(created.ID)
	require.NoError(t, err)
	require.Equal(t, created, got)
	require.NoError(t, second.Err())
}

func TestOfflineEditsReachRelayAfterSignIn(t *testing.T) {
	st := store.NewMemoryStore()
	remote := crdt.NewDocument("other-device")
	_, err := remote.Mutate(func(tx *crdt.Txn) error {
		tx.Put(filesMap, "f2", metaFields(FileMeta{ID: "f2", Title: "Note B", CreatedAt: 1, UpdatedAt: 1}))
		return nil
	})
	require.NoError(t, err)
	room := wire.WorkspaceRoom("u1")
	require.NoError(t, st.Put(context.Background(), room, remote.Snapshot()))
	srv, url := newRelay(t, st)

	tokens := &switchableTokens{}
	ids, now := sequence("f")
	c := open(t, Options{
		RelayURL: url,
		Tokens:   tokens,
		NewID:    ids,
		Now:      now,
		Backoff:  connection.Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond},
	})
	var statuses []connection.State
	var mu sync.Mutex
	c.OnStatus(func(s connection.State) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	_, err = c.CreateFile("Note A")
	require.NoError(t, err)
	require.Equal(t, connection.StateOffline, c.Status())
	require.ErrorIs(t, c.Err(), auth.ErrNoToken)

	tokens.set(issue(t, "u1"))
	c.Reconnect()
	require.Eventually(t, func() bool { return c.Status() == connection.StateConnected }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(c.Files()) == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return roomFiles(t, srv, room) == 2 }, 2*time.Second, 10*time.Millisecond)

	files := c.Files()
	require.Equal(t, "f1", files[0].ID)
	require.Equal(t, "f2", files[1].ID)
	require.Equal(t, "Note B", files[1].Title)
	require.NoError(t, c.Err())

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, statuses, connection.StateConnecting)
	require.Equal(t, connection.StateConnected, statuses[len(statuses)-1])
}

func TestConcurrentFieldEditsBothSurvive(t *testing.T) {
	idsA, nowA := sequence("a")
	_, nowB := sequence("b")
	a := open(t, Options{NewID: idsA, Now: nowA})
	b := open(t, Options{Now: nowB})

	meta, err := a.CreateFile("Draft")
	require.NoError(t, err)
	require.NoError(t, b.Document().Apply(a.Document().Snapshot()))

	title := "Renamed on A"
	_, err = a.UpdateFile(meta.ID, FilePatch{Title: &title})
	require.NoError(t, err)
	touched, err := b.UpdateFile(meta.ID, FilePatch{})
	require.NoError(t, err)
	require.Equal(t, "Draft", touched.Title)

	require.NoError(t, a.Document().Apply(b.Document().Snapshot()))
	require.NoError(t, b.Document().Apply(a.Document().Snapshot()))

	gotA, err := a.File(meta.ID)
	require.NoError(t, err)
	gotB, err := b.File(meta.ID)
	require.NoError(t, err)
	require.Equal(t, gotA, gotB)
	require.Equal(t, title, gotA.Title)
	require.Equal(t, meta.CreatedAt, gotA.CreatedAt)
}

func TestMissingFileOperations(t *testing.T) {
	c := open(t, Options{})
	title := "x"
	_, err := c.UpdateFile("nope", FilePatch{Title: &title})
	require.ErrorIs(t, err, ErrFileNotFound)
	require.ErrorIs(t, c.DeleteFile("nope"), ErrFileNotFound)
	_, err = c.File("nope")
	require.ErrorIs(t, err, ErrFileNotFound)
	_, err = c.OpenNote("nope")
	require.ErrorIs(t, err, ErrFileNotFound)
}

func TestDeleteAndSubscribe(t *testing.T) {
	ids, now := sequence("f")
	c := open(t, Options{NewID: ids, Now: now})

	var mu sync.Mutex
	var seen [][]FileMeta
	sub := c.Subscribe(func(files []FileMeta) {
		mu.Lock()
		seen = append(seen, files)
		mu.Unlock()
	})

	first, err := c.CreateFile("one")
	require.NoError(t, err)
	second, err := c.CreateFile("two")
	require.NoError(t, err)
	require.Equal(t, []FileMeta{second, first}, c.Files())

	require.NoError(t, c.DeleteFile(first.ID))
	require.Equal(t, []FileMeta{second}, c.Files())

	sub.Unsubscribe()
	_, err = c.CreateFile("three")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	require.Equal(t, []FileMeta{second}, seen[2])
}

func TestSeedOnlyFillsEmptyWorkspace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	seed := &Seed{Title: "Welcome", Body: "Start writing here."}

	first, err := Open(context.Background(), Options{CachePath: path, Seed: seed})
	require.NoError(t, err)
	files := first.Files()
	require.Len(t, files, 1)
	require.Equal(t, "Welcome", files[0].Title)

	note, err := first.OpenNote(files[0].ID)
	require.NoError(t, err)
	require.Equal(t, "Start writing here.", note.Text())
	note.Close()

	renamed := "Mine now"
	_, err = first.UpdateFile(files[0].ID, FilePatch{Title: &renamed})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := open(t, Options{CachePath: path, Seed: seed})
	files = second.Files()
	require.Len(t, files, 1)
	require.Equal(t, renamed, files[0].Title)
}

func TestCorruptCacheKeepsWorkingInMemory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	cache, err := localcache.Open(localcache.Options{Path: path})
	require.NoError(t, err)
	require.NoError(t, cache.Save(workspaceKey, []byte("not an update")))
	require.NoError(t, cache.Close())

	c, err := Open(context.Background(), Options{CachePath: path})
	require.NoError(t, err)
	require.ErrorIs(t, c.Err(), localcache.ErrCorrupt)
	_, err = c.CreateFile("still usable")
	require.NoError(t, err)
	require.Len(t, c.Files(), 1)
	require.NoError(t, c.Close())

	cache, err = localcache.Open(localcache.Options{Path: path})
	require.NoError(t, err)
	defer cache.Close()
	stored, err := cache.Load(workspaceKey)
	require.NoError(t, err)
	require.Equal(t, []byte("not an update"), stored)
}

func TestNoteHandlesShareOneDocument(t *testing.T) {
	ids, now := sequence("f")
	c := open(t, Options{NewID: ids, Now: now})
	meta, err := c.CreateFile("note")
	require.NoError(t, err)

	first, err := c.OpenNote(meta.ID)
	require.NoError(t, err)
	second, err := c.OpenNote(meta.ID)
	require.NoError(t, err)

	var texts []string
	sub := second.Subscribe(func(s string) { texts = append(texts, s) })
	defer sub.Unsubscribe()

	require.NoError(t, first.Insert(0, "hello world"))
	require.NoError(t, first.Delete(5, 6))
	require.Equal(t, "hello", second.Text())
	require.Equal(t, []string{"hello world", "hello"}, texts)

	first.Close()
	first.Close()
	require.NoError(t, second.Insert(5, "!"))
	require.Equal(t, "hello!", second.Text())
	second.Close()

	reopened, err := c.OpenNote(meta.ID)
	require.NoError(t, err)
	defer reopened.Close()
	require.Empty(t, reopened.Text())
}

func TestNoteContentSyncsBetweenDevices(t *testing.T) {
	_, url := newRelay(t, store.NewMemoryStore())
	backoff := connection.Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	a := open(t, Options{RelayURL: url, Tokens: auth.NewStaticTokenSource(issue(t, "u1")), Backoff: backoff})
	b := open(t, Options{RelayURL: url, Tokens: auth.NewStaticTokenSource(issue(t, "u1")), Backoff: backoff})

	meta, err := a.CreateFile("shared")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := b.File(meta.ID)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	noteA, err := a.OpenNote(meta.ID)
	require.NoError(t, err)
	defer noteA.Close()
	require.NoError(t, noteA.Insert(0, "typed on a"))

	noteB, err := b.OpenNote(meta.ID)
	require.NoError(t, err)
	defer noteB.Close()
	require.Eventually(t, func() bool { return noteB.Text() == "typed on a" }, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return noteB.Status() == connection.StateConnected }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, noteB.Insert(len("typed on a"), "; and b"))
	require.Eventually(t, func() bool { return noteA.Text() == "typed on a; and b" }, 2*time.Second, 10*time.Millisecond)
}

func TestClosedClientRejectsWrites(t *testing.T) {
	c, err := Open(context.Background(), Options{})
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, err = c.CreateFile("late")
	require.True(t, errors.Is(err, ErrClosed))
	_, err = c.OpenNote("x")
	require.Error(t, err)
}

func TestRelayURLRequiresTokens(t *testing.T) {
	_, err := Open(context.Background(), Options{RelayURL: "ws://localhost/sync"})
	require.Error(t, err)
}

func TestNoteCloseEndsItsSubscriptions(t *testing.T) {
	ids, now := sequence("f")
	c := open(t, Options{NewID: ids, Now: now})
	meta, err := c.CreateFile("note")
	require.NoError(t, err)

	closing, err := c.OpenNote(meta.ID)
	require.NoError(t, err)
	staying, err := c.OpenNote(meta.ID)
	require.NoError(t, err)
	defer staying.Close()

	var closedCalls, openCalls int
	closing.Subscribe(func(string) { closedCalls++ })
	staying.Subscribe(func(string) { openCalls++ })

	require.NoError(t, staying.Insert(0, "a"))
	closing.Close()
	require.NoError(t, staying.Insert(1, "b"))

	require.Equal(t, 1, closedCalls)
	require.Equal(t, 2, openCalls)
	require.Equal(t, "ab", staying.Text())
}
