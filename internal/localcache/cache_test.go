package localcache

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Onyx-Void-Labs/onyx-sub001/internal/crdt"
)

func openTestCache(t *testing.T, path string) *Cache {
	t.Helper()
	c, err := Open(Options{Path: path, Debounce: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("open cache failed: %v", err)
	}
	return c
}

func putFile(t *testing.T, doc *crdt.Document, id, title string) {
	t.Helper()
	if _, err := doc.Mutate(func(tx *crdt.Txn) error {
		tx.Put("files", id, map[string]any{"id": id, "title": title})
		return nil
	}); err != nil {
		t.Fatalf("mutate failed: %v", err)
	}
}

func TestBindRestoresSnapshotAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")

	c := openTestCache(t, path)
	doc := crdt.NewDocument("")
	b, err := c.Bind("workspace", doc)
	if err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	putFile(t, doc, "f1", "Note A")
	b.Close()
	if err := c.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened := openTestCache(t, path)
	defer reopened.Close()
	restored := crdt.NewDocument("")
	if _, err := reopened.Bind("workspace", restored); err != nil {
		t.Fatalf("rebind failed: %v", err)
	}
	if _, ok := restored.Entry("files", "f1"); !ok {
		t.Fatalf("expected f1 to be restored from cache")
	}
}

func TestWritesCoalesceIntoOneSnapshot(t *testing.T) {
	c, err := Open(Options{Path: filepath.Join(t.TempDir(), "cache.db"), Debounce: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("open cache failed: %v", err)
	}
	defer c.Close()

	doc := crdt.NewDocument("")
	b, err := c.Bind("workspace", doc)
	if err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		putFile(t, doc, "f1", "draft")
	}
	if !b.Pending() {
		t.Fatalf("expected a pending write after mutations")
	}
	stored, err := c.Load("workspace")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if stored != nil {
		t.Fatalf("expected no write before the debounce window elapses")
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.Pending() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	stored, err = c.Load("workspace")
	if err != nil || stored == nil {
		t.Fatalf("expected snapshot after debounce, got %v err=%v", stored, err)
	}
	check := crdt.NewDocument("")
	if err := check.Apply(stored); err != nil {
		t.Fatalf("stored snapshot does not decode: %v", err)
	}
	if _, ok := check.Entry("files", "f1"); !ok {
		t.Fatalf("expected final state in stored snapshot")
	}
}

func TestCloseFlushesPendingWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := Open(Options{Path: path, Debounce: time.Hour})
	if err != nil {
		t.Fatalf("open cache failed: %v", err)
	}
	doc := crdt.NewDocument("")
	if _, err := c.Bind("workspace", doc); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	putFile(t, doc, "f1", "Note A")
	if err := c.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened := openTestCache(t, path)
	defer reopened.Close()
	stored, err := reopened.Load("workspace")
	if err != nil || stored == nil {
		t.Fatalf("expected flushed snapshot on close, got err=%v", err)
	}
}

func TestBindRejectsCorruptSnapshot(t *testing.T) {
	c := openTestCache(t, filepath.Join(t.TempDir(), "cache.db"))
	defer c.Close()
	if err := c.Save("workspace", []byte("garbage")); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	doc := crdt.NewDocument("")
	_, err := c.Bind("workspace", doc)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
	stored, _ := c.Load("workspace")
	if string(stored) != "garbage" {
		t.Fatalf("expected corrupt snapshot to be left untouched")
	}
}

func TestBindTwiceFails(t *testing.T) {
	c := openTestCache(t, filepath.Join(t.TempDir(), "cache.db"))
	defer c.Close()
	if _, err := c.Bind("workspace", crdt.NewDocument("")); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	if _, err := c.Bind("workspace", crdt.NewDocument("")); !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("expected ErrAlreadyBound, got %v", err)
	}
}

func TestSaveAfterCloseFails(t *testing.T) {
	c := openTestCache(t, filepath.Join(t.TempDir(), "cache.db"))
	if err := c.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := c.Save("workspace", []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
