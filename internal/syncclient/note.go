package syncclient

import (
	"fmt"

	"github.com/Onyx-Void-Labs/onyx-sub001/internal/connection"
	"github.com/Onyx-Void-Labs/onyx-sub001/internal/crdt"
	"github.com/Onyx-Void-Labs/onyx-sub001/internal/localcache"
	"github.com/Onyx-Void-Labs/onyx-sub001/internal/notify"
	"github.com/Onyx-Void-Labs/onyx-sub001/internal/wire"
)

const noteText = "body"

func noteKey(id string) string {
	return "note/" + id
}

// noteEntry is the shared state behind every open handle on one note.
type noteEntry struct {
	id      string
	doc     *crdt.Document
	binding *localcache.Binding
	conn    *connection.Connection
	refs    int
}

func (n *noteEntry) release() {
	if n.conn != nil {
		_ = n.conn.Close()
	}
	if n.binding != nil {
		n.binding.Close()
	}
}

// Note is a handle on the text content of one file. Handles on the same id
// share a document; the last Close releases its cache binding and
// connection.
type Note struct {
	client *Client
	entry  *noteEntry
	closed bool
	subs   []notify.Subscription
}

// OpenNote opens the content document for an existing file.
func (c *Client) OpenNote(id string) (*Note, error) {
	if _, ok := c.doc.Entry(filesMap, id); !ok {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if entry, ok := c.notes[id]; ok {
		entry.refs++
		return &Note{client: c, entry: entry}, nil
	}

	entry := &noteEntry{id: id, doc: crdt.NewDocument(""), refs: 1}
	if c.cache != nil && c.cacheErr == nil {
		binding, err := c.cache.Bind(noteKey(id), entry.doc)
		if err != nil {
			c.logger.Error().Err(err).Str("file", id).Msg("note cache unusable, continuing in memory")
		} else {
			entry.binding = binding
		}
	}
	if c.conn != nil {
		conn, err := c.newConnection(entry.doc, func(owner string) string {
			return wire.NoteRoom(owner, id)
		})
		if err != nil {
			entry.release()
			return nil, err
		}
		entry.conn = conn
		conn.Start(c.ctx)
	}
	c.notes[id] = entry
	return &Note{client: c, entry: entry}, nil
}

func (n *Note) ID() string {
	return n.entry.id
}

func (n *Note) Text() string {
	return n.entry.doc.Text(noteText)
}

func (n *Note) Insert(index int, s string) error {
	_, err := n.entry.doc.Mutate(func(tx *crdt.Txn) error {
		tx.Insert(noteText, index, s)
		return nil
	})
	return err
}

func (n *Note) Delete(index, length int) error {
	_, err := n.entry.doc.Mutate(func(tx *crdt.Txn) error {
		tx.Remove(noteText, index, length)
		return nil
	})
	return err
}

// Subscribe calls fn with the full text after every change until the
// subscription or this handle is closed.
func (n *Note) Subscribe(fn func(string)) notify.Subscription {
	sub := n.entry.doc.Observe(func() {
		fn(n.entry.doc.Text(noteText))
	})
	c := n.client
	c.mu.Lock()
	defer c.mu.Unlock()
	if n.closed {
		sub.Unsubscribe()
		return sub
	}
	n.subs = append(n.subs, sub)
	return sub
}

// Status is the note connection state.
func (n *Note) Status() connection.State {
	if n.entry.conn == nil {
		return connection.StateOffline
	}
	return n.entry.conn.State()
}

func (n *Note) Close() {
	c := n.client
	c.mu.Lock()
	if n.closed {
		c.mu.Unlock()
		return
	}
	n.closed = true
	subs := n.subs
	n.subs = nil
	n.entry.refs--
	last := n.entry.refs == 0 && c.notes[n.entry.id] == n.entry
	if last {
		delete(c.notes, n.entry.id)
	}
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if last {
		n.entry.release()
	}
}
