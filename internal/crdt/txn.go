package crdt

import (
	"encoding/json"
	"fmt"
)

// Txn records local operations inside Document.Mutate. Every operation is
// applied to the document as soon as it is recorded, so later reads in the
// same transaction observe earlier writes. A Txn must not escape fn.
type Txn struct {
	doc *Document
	ops []op
	err error
}

func (tx *Txn) checkKey(mapName, key string) bool {
	if tx.err != nil {
		return false
	}
	if mapName == "" || key == "" {
		tx.err = fmt.Errorf("map name and key are required")
		return false
	}
	return true
}

func (tx *Txn) stamp() (Stamp, bool) {
	if tx.err != nil {
		return Stamp{}, false
	}
	s, ok := tx.doc.nextStamp()
	if !ok {
		tx.err = ErrClockExhausted
	}
	return s, ok
}

func (tx *Txn) record(o op) {
	tx.doc.applyLocked(o)
	tx.ops = append(tx.ops, o)
}

// Put creates or revives key and writes every given field.
func (tx *Txn) Put(mapName, key string, fields map[string]any) {
	if !tx.checkKey(mapName, key) {
		return
	}
	encoded, err := encodeFields(fields)
	if err != nil {
		tx.err = err
		return
	}
	alive, ok := tx.stamp()
	if !ok {
		return
	}
	tx.record(op{Kind: opAlive, Target: mapName, Key: key, Alive: true, Stamp: alive})
	tx.writeFields(mapName, key, encoded)
}

func (tx *Txn) writeFields(mapName, key string, encoded map[string]json.RawMessage) {
	for _, field := range sortedKeys(encoded) {
		stamp, ok := tx.stamp()
		if !ok {
			return
		}
		tx.record(op{Kind: opField, Target: mapName, Key: key, Field: field, Value: encoded[field], Stamp: stamp})
	}
}

// SetFields writes the given fields without touching liveness, so an edit
// racing a delete on another replica never resurrects the entry.
func (tx *Txn) SetFields(mapName, key string, fields map[string]any) {
	if !tx.checkKey(mapName, key) {
		return
	}
	encoded, err := encodeFields(fields)
	if err != nil {
		tx.err = err
		return
	}
	tx.writeFields(mapName, key, encoded)
}

func (tx *Txn) Delete(mapName, key string) {
	if !tx.checkKey(mapName, key) {
		return
	}
	stamp, ok := tx.stamp()
	if !ok {
		return
	}
	tx.record(op{Kind: opAlive, Target: mapName, Key: key, Alive: false, Stamp: stamp})
}

func (tx *Txn) Get(mapName, key string) (map[string]json.RawMessage, bool) {
	m, ok := tx.doc.maps[mapName]
	if !ok {
		return nil, false
	}
	return m.get(key)
}

func (tx *Txn) Len(mapName string) int {
	m, ok := tx.doc.maps[mapName]
	if !ok {
		return 0
	}
	return len(m.keys())
}

func (tx *Txn) Text(name string) string {
	s, ok := tx.doc.texts[name]
	if !ok {
		return ""
	}
	return s.String()
}

// Insert places s before the visible rune at index. An index past the end
// appends.
func (tx *Txn) Insert(name string, index int, s string) {
	if tx.err != nil || s == "" {
		return
	}
	if name == "" {
		tx.err = fmt.Errorf("text name is required")
		return
	}
	if index < 0 {
		tx.err = fmt.Errorf("insert index %d out of range", index)
		return
	}
	seq := tx.doc.textLocked(name)
	var origin *Stamp
	if index > 0 {
		visible := seq.visible()
		if index > len(visible) {
			index = len(visible)
		}
		if index > 0 {
			id := visible[index-1].id
			origin = &id
		}
	}
	for _, r := range s {
		stamp, ok := tx.stamp()
		if !ok {
			return
		}
		tx.record(op{Kind: opInsert, Target: name, Stamp: stamp, Origin: origin, Text: string(r)})
		prev := stamp
		origin = &prev
	}
}

// Remove tombstones length visible runes starting at index.
func (tx *Txn) Remove(name string, index, length int) {
	if tx.err != nil || length <= 0 {
		return
	}
	seq := tx.doc.textLocked(name)
	visible := seq.visible()
	if index < 0 || index >= len(visible) {
		tx.err = fmt.Errorf("remove index %d out of range", index)
		return
	}
	end := index + length
	if end > len(visible) {
		end = len(visible)
	}
	targets := make([]Stamp, 0, end-index)
	for _, e := range visible[index:end] {
		targets = append(targets, e.id)
	}
	for _, target := range targets {
		stamp, ok := tx.stamp()
		if !ok {
			return
		}
		ref := target
		tx.record(op{Kind: opRemove, Target: name, Stamp: stamp, Ref: &ref})
	}
}

func encodeFields(fields map[string]any) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(fields))
	for field, value := range fields {
		if field == "" {
			return nil, fmt.Errorf("empty field name")
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode field %s: %w", field, err)
		}
		out[field] = raw
	}
	return out, nil
}
