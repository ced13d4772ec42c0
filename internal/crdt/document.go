// Package crdt implements the replicated document used for workspace metadata
// and note bodies.
//
// A Document holds named LWW maps and named RGA text sequences. Every state
// change is expressed as an update: a batch of operations stamped with a
// Lamport counter and the generating replica. Updates can be applied in any
// order, any number of times, and every replica that has seen the same set of
// operations reports the same state.
package crdt

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/Onyx-Void-Labs/onyx-sub001/internal/notify"
)

// UpdateEvent is delivered to OnUpdate subscribers after a state change.
// Origin is whatever the caller passed to Merge; local mutations carry nil.
type UpdateEvent struct {
	Update []byte
	Origin any
}

var ErrClockExhausted = errors.New("document clock exhausted")

type Document struct {
	mu      sync.Mutex
	replica string
	clock   uint64
	maps    map[string]*lwwMap
	texts   map[string]*sequence

	observers notify.Registry[struct{}]
	updates   notify.Registry[UpdateEvent]
}

// NewDocument returns an empty document. An empty replica id is replaced by
// a random one; replica ids must never be shared between live documents.
func NewDocument(replica string) *Document {
	if replica == "" {
		replica = uuid.NewString()
	}
	return &Document{
		replica: replica,
		maps:    map[string]*lwwMap{},
		texts:   map[string]*sequence{},
	}
}

func (d *Document) Replica() string {
	return d.replica
}

// Apply merges remote update bytes.
func (d *Document) Apply(update []byte) error {
	_, err := d.Merge(update, nil)
	return err
}

// Merge applies update and reports whether it changed the document. The
// update is fully decoded and validated before any state is modified.
func (d *Document) Merge(update []byte, origin any) (bool, error) {
	ops, err := decodeOps(update)
	if err != nil {
		return false, err
	}
	d.mu.Lock()
	changed := false
	for _, o := range ops {
		if d.applyLocked(o) {
			changed = true
		}
	}
	d.mu.Unlock()
	if changed {
		d.publish(update, origin)
	}
	return changed, nil
}

// Mutate runs fn against a transaction and returns the generated update.
// Operations recorded before fn returns an error are kept and still emitted,
// so local state and the emitted update never disagree.
func (d *Document) Mutate(fn func(tx *Txn) error) ([]byte, error) {
	d.mu.Lock()
	tx := &Txn{doc: d}
	fnErr := fn(tx)
	if fnErr == nil {
		fnErr = tx.err
	}
	if len(tx.ops) == 0 {
		d.mu.Unlock()
		return nil, fnErr
	}
	update, err := encodeOps(tx.ops)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	d.publish(update, nil)
	return update, fnErr
}

// Snapshot encodes the full document state as a single update.
func (d *Document) Snapshot() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ops []op
	for _, name := range sortedKeys(d.maps) {
		ops = append(ops, d.maps[name].snapshotOps(name)...)
	}
	for _, name := range sortedKeys(d.texts) {
		ops = append(ops, d.texts[name].snapshotOps(name)...)
	}
	data, err := encodeOps(ops)
	if err != nil {
		// ops only hold already-validated json and strings.
		panic(err)
	}
	return data
}

// Observe registers cb to run synchronously after every state change.
func (d *Document) Observe(cb func()) notify.Subscription {
	return d.observers.Subscribe(func(struct{}) { cb() })
}

// OnUpdate registers cb to receive the bytes of every state-changing update.
func (d *Document) OnUpdate(cb func(UpdateEvent)) notify.Subscription {
	return d.updates.Subscribe(cb)
}

// Entry returns the fields of a visible map entry.
func (d *Document) Entry(mapName, key string) (map[string]json.RawMessage, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.maps[mapName]
	if !ok {
		return nil, false
	}
	return m.get(key)
}

// Entries returns every visible entry of a map.
func (d *Document) Entries(mapName string) map[string]map[string]json.RawMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := map[string]map[string]json.RawMessage{}
	m, ok := d.maps[mapName]
	if !ok {
		return out
	}
	for _, key := range m.keys() {
		fields, _ := m.get(key)
		out[key] = fields
	}
	return out
}

func (d *Document) Len(mapName string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.maps[mapName]
	if !ok {
		return 0
	}
	return len(m.keys())
}

func (d *Document) Text(name string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.texts[name]
	if !ok {
		return ""
	}
	return s.String()
}

func (d *Document) publish(update []byte, origin any) {
	d.updates.Publish(UpdateEvent{Update: update, Origin: origin})
	d.observers.Publish(struct{}{})
}

func (d *Document) applyLocked(o op) bool {
	if o.Stamp.Counter > d.clock {
		d.clock = o.Stamp.Counter
	}
	switch o.Kind {
	case opField:
		return d.mapLocked(o.Target).applyField(o)
	case opAlive:
		return d.mapLocked(o.Target).applyAlive(o)
	case opInsert:
		return d.textLocked(o.Target).applyInsert(o)
	case opRemove:
		return d.textLocked(o.Target).applyRemove(o)
	}
	return false
}

func (d *Document) mapLocked(name string) *lwwMap {
	m, ok := d.maps[name]
	if !ok {
		m = newLWWMap()
		d.maps[name] = m
	}
	return m
}

func (d *Document) textLocked(name string) *sequence {
	s, ok := d.texts[name]
	if !ok {
		s = newSequence()
		d.texts[name] = s
	}
	return s
}

// nextStamp refuses to move the clock past MaxCounter.
func (d *Document) nextStamp() (Stamp, bool) {
	if d.clock >= MaxCounter {
		return Stamp{}, false
	}
	d.clock++
	return Stamp{Counter: d.clock, Replica: d.replica}, true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
