package crdt

import (
	"encoding/json"
	"sort"
	"strings"
)

type register struct {
	value json.RawMessage
	stamp Stamp
}

type mapEntry struct {
	alive      bool
	aliveStamp Stamp
	fields     map[string]register
}

func (e *mapEntry) visible() bool {
	return e.alive && !e.aliveStamp.IsZero()
}

type lwwMap struct {
	entries map[string]*mapEntry
}

func newLWWMap() *lwwMap {
	return &lwwMap{entries: map[string]*mapEntry{}}
}

func (m *lwwMap) entry(key string) *mapEntry {
	e, ok := m.entries[key]
	if !ok {
		e = &mapEntry{fields: map[string]register{}}
		m.entries[key] = e
	}
	return e
}

func (m *lwwMap) applyField(o op) bool {
	e := m.entry(o.Key)
	current, ok := e.fields[o.Field]
	if ok && !current.stamp.Less(o.Stamp) {
		return false
	}
	e.fields[o.Field] = register{value: append(json.RawMessage(nil), o.Value...), stamp: o.Stamp}
	return true
}

func (m *lwwMap) applyAlive(o op) bool {
	e := m.entry(o.Key)
	if !e.aliveStamp.IsZero() && !e.aliveStamp.Less(o.Stamp) {
		return false
	}
	e.alive = o.Alive
	e.aliveStamp = o.Stamp
	return true
}

func (m *lwwMap) get(key string) (map[string]json.RawMessage, bool) {
	e, ok := m.entries[key]
	if !ok || !e.visible() {
		return nil, false
	}
	out := make(map[string]json.RawMessage, len(e.fields))
	for field, reg := range e.fields {
		out[field] = append(json.RawMessage(nil), reg.value...)
	}
	return out, true
}

func (m *lwwMap) keys() []string {
	keys := make([]string, 0, len(m.entries))
	for key, e := range m.entries {
		if e.visible() {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func (m *lwwMap) snapshotOps(target string) []op {
	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var ops []op
	for _, key := range keys {
		e := m.entries[key]
		if !e.aliveStamp.IsZero() {
			ops = append(ops, op{Kind: opAlive, Target: target, Key: key, Alive: e.alive, Stamp: e.aliveStamp})
		}
		fields := make([]string, 0, len(e.fields))
		for field := range e.fields {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		for _, field := range fields {
			reg := e.fields[field]
			ops = append(ops, op{Kind: opField, Target: target, Key: key, Field: field, Value: reg.value, Stamp: reg.stamp})
		}
	}
	return ops
}

type element struct {
	id     Stamp
	origin *Stamp
	value  string
}

// sequence is an RGA list. Elements are never removed, only tombstoned.
type sequence struct {
	elems   []*element
	known   map[Stamp]struct{}
	removed map[Stamp]Stamp
	pending []op
}

func newSequence() *sequence {
	return &sequence{
		known:   map[Stamp]struct{}{},
		removed: map[Stamp]Stamp{},
	}
}

func (s *sequence) indexOf(id Stamp) int {
	for i, e := range s.elems {
		if e.id == id {
			return i
		}
	}
	return -1
}

func (s *sequence) applyInsert(o op) bool {
	if _, ok := s.known[o.Stamp]; ok {
		return false
	}
	if o.Origin != nil {
		if _, ok := s.known[*o.Origin]; !ok {
			for _, p := range s.pending {
				if p.Stamp == o.Stamp {
					return false
				}
			}
			s.pending = append(s.pending, o)
			return true
		}
	}
	s.integrate(o)
	s.drainPending()
	return true
}

func (s *sequence) integrate(o op) {
	pos := 0
	if o.Origin != nil {
		pos = s.indexOf(*o.Origin) + 1
	}
	for pos < len(s.elems) && o.Stamp.Less(s.elems[pos].id) {
		pos++
	}
	e := &element{id: o.Stamp, value: o.Text}
	if o.Origin != nil {
		origin := *o.Origin
		e.origin = &origin
	}
	s.elems = append(s.elems, nil)
	copy(s.elems[pos+1:], s.elems[pos:])
	s.elems[pos] = e
	s.known[o.Stamp] = struct{}{}
}

func (s *sequence) drainPending() {
	for progress := true; progress && len(s.pending) > 0; {
		progress = false
		rest := s.pending[:0]
		for _, p := range s.pending {
			if _, dup := s.known[p.Stamp]; dup {
				progress = true
				continue
			}
			if _, ok := s.known[*p.Origin]; ok {
				s.integrate(p)
				progress = true
				continue
			}
			rest = append(rest, p)
		}
		s.pending = rest
	}
}

func (s *sequence) applyRemove(o op) bool {
	current, ok := s.removed[*o.Ref]
	if ok && !o.Stamp.Less(current) {
		return false
	}
	s.removed[*o.Ref] = o.Stamp
	return true
}

func (s *sequence) visible() []*element {
	out := make([]*element, 0, len(s.elems))
	for _, e := range s.elems {
		if _, gone := s.removed[e.id]; gone {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (s *sequence) String() string {
	var b strings.Builder
	for _, e := range s.visible() {
		b.WriteString(e.value)
	}
	return b.String()
}

func (s *sequence) snapshotOps(target string) []op {
	ops := make([]op, 0, len(s.elems)+len(s.removed)+len(s.pending))
	for _, e := range s.elems {
		ops = append(ops, op{Kind: opInsert, Target: target, Stamp: e.id, Origin: e.origin, Text: e.value})
	}
	pending := append([]op(nil), s.pending...)
	sort.Slice(pending, func(i, j int) bool { return pending[i].Stamp.Less(pending[j].Stamp) })
	ops = append(ops, pending...)
	refs := make([]Stamp, 0, len(s.removed))
	for ref := range s.removed {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Less(refs[j]) })
	for _, ref := range refs {
		ref := ref
		ops = append(ops, op{Kind: opRemove, Target: target, Stamp: s.removed[ref], Ref: &ref})
	}
	return ops
}
