package relayserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Onyx-Void-Labs/onyx-sub001/internal/crdt"
	"github.com/Onyx-Void-Labs/onyx-sub001/internal/store"
	"github.com/Onyx-Void-Labs/onyx-sub001/internal/wire"
)

// room is the authoritative copy of one document. mu orders merges and
// broadcasts; persistMu orders snapshot writes and is never held with mu
// across store I/O.
type room struct {
	name string
	doc  *crdt.Document

	mu      sync.Mutex
	members map[*member]struct{}
	evicted bool

	persistMu sync.Mutex
}

func (s *Server) loadRoom(name string) (*room, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errServerClosed
	}
	if rm, ok := s.rooms[name]; ok {
		s.mu.Unlock()
		return rm, nil
	}
	s.mu.Unlock()

	v, err, _ := s.loads.Do(name, func() (any, error) {
		return s.fetchRoom(name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*room), nil
}

func (s *Server) fetchRoom(name string) (*room, error) {
	s.mu.Lock()
	if rm, ok := s.rooms[name]; ok {
		s.mu.Unlock()
		return rm, nil
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.PersistTimeout)
	defer cancel()
	doc := crdt.NewDocument("relay-" + s.cfg.InstanceID)
	data, err := s.store.Get(ctx, name)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		s.metrics.roomLoadFails.Inc()
		return nil, fmt.Errorf("load room %s: %w", name, err)
	default:
		if err := doc.Apply(data); err != nil {
			s.metrics.roomLoadFails.Inc()
			return nil, fmt.Errorf("decode stored snapshot for %s: %w", name, err)
		}
	}

	rm := &room{name: name, doc: doc, members: map[*member]struct{}{}}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errServerClosed
	}
	s.rooms[name] = rm
	s.mu.Unlock()
	s.metrics.rooms.Inc()
	s.logger.Debug().Str("room", name).Bool("stored", data != nil).Msg("room loaded")

	if s.cfg.Bus != nil {
		s.publish(BusMessage{Origin: s.cfg.InstanceID, Room: name, Request: true})
	}
	return rm, nil
}

// join adds m to the room and queues the room snapshot as its first frame.
func (s *Server) join(name string, m *member) (*room, error) {
	for {
		rm, err := s.loadRoom(name)
		if err != nil {
			return nil, err
		}
		rm.mu.Lock()
		if rm.evicted {
			rm.mu.Unlock()
			continue
		}
		s.evictions.Cancel(name)
		rm.members[m] = struct{}{}
		frame, err := wire.Encode(wire.SyncStep(rm.doc.Snapshot()))
		if err == nil {
			m.enqueue(frame)
		}
		rm.mu.Unlock()
		s.metrics.connections.Inc()
		return rm, err
	}
}

func (s *Server) leave(rm *room, m *member) {
	rm.mu.Lock()
	if _, ok := rm.members[m]; !ok {
		rm.mu.Unlock()
		return
	}
	delete(rm.members, m)
	empty := len(rm.members) == 0
	rm.mu.Unlock()
	s.metrics.connections.Dec()
	if empty {
		s.scheduleEviction(rm)
	}
}

func (s *Server) scheduleEviction(rm *room) {
	s.evictions.Schedule(rm.name, s.cfg.EvictAfter, func() { s.evict(rm) })
}

// evict drops an idle room once its state is durable.
func (s *Server) evict(rm *room) {
	s.persists.Flush(rm.name)
	rm.persistMu.Lock()
	rm.persistMu.Unlock()

	s.mu.Lock()
	rm.mu.Lock()
	if rm.evicted || len(rm.members) > 0 {
		rm.mu.Unlock()
		s.mu.Unlock()
		return
	}
	if s.persists.Pending(rm.name) {
		rm.mu.Unlock()
		s.mu.Unlock()
		s.scheduleEviction(rm)
		return
	}
	rm.evicted = true
	if s.rooms[rm.name] == rm {
		delete(s.rooms, rm.name)
	}
	rm.mu.Unlock()
	s.mu.Unlock()
	s.metrics.rooms.Dec()
	s.logger.Debug().Str("room", rm.name).Msg("room evicted")
}

// merge applies update to the room and forwards it to every member except
// from. It reports whether the room changed.
func (s *Server) merge(rm *room, from *member, update []byte) (bool, error) {
	rm.mu.Lock()
	if rm.evicted {
		rm.mu.Unlock()
		return false, nil
	}
	changed, err := rm.doc.Merge(update, from)
	if err != nil || !changed {
		rm.mu.Unlock()
		return false, err
	}
	// Scheduled under mu so evict either sees the pending write or runs
	// before the merge and turns it away.
	s.schedulePersist(rm)
	frame, err := wire.Encode(wire.Update(update))
	if err != nil {
		rm.mu.Unlock()
		return true, err
	}
	var slow []*member
	for m := range rm.members {
		if m == from {
			continue
		}
		if !m.enqueue(frame) {
			slow = append(slow, m)
		}
	}
	rm.mu.Unlock()

	for _, m := range slow {
		s.metrics.slowMembers.Inc()
		s.logger.Warn().Str("room", rm.name).Str("member", m.id).Msg("dropping slow member")
		m.drop()
	}
	return true, nil
}

func (s *Server) schedulePersist(rm *room) {
	s.persists.Schedule(rm.name, s.cfg.PersistDebounce, func() { s.persist(rm) })
}

func (s *Server) persist(rm *room) {
	rm.persistMu.Lock()
	defer rm.persistMu.Unlock()

	snapshot := rm.doc.Snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PersistTimeout)
	defer cancel()
	start := time.Now()
	err := s.store.Put(ctx, rm.name, snapshot)
	s.metrics.persistTime.Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.persists.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Str("room", rm.name).Dur("retry_in", s.cfg.PersistRetry).Msg("snapshot write failed")
		if !s.persists.Pending(rm.name) {
			s.persists.Schedule(rm.name, s.cfg.PersistRetry, func() { s.persist(rm) })
		}
		return
	}
	s.metrics.persists.WithLabelValues("ok").Inc()
}

func (s *Server) publish(msg BusMessage) {
	if s.cfg.Bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.PersistTimeout)
	defer cancel()
	if err := s.cfg.Bus.Publish(ctx, msg); err != nil {
		s.logger.Warn().Err(err).Str("room", msg.Room).Msg("bus publish failed")
		return
	}
	s.metrics.busMessages.WithLabelValues("out").Inc()
}

func (s *Server) handleBusMessage(msg BusMessage) {
	if msg.Origin == s.cfg.InstanceID {
		return
	}
	s.mu.Lock()
	rm, ok := s.rooms[msg.Room]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.metrics.busMessages.WithLabelValues("in").Inc()
	if msg.Request {
		s.publish(BusMessage{Origin: s.cfg.InstanceID, Room: rm.name, Update: rm.doc.Snapshot()})
		return
	}
	if _, err := s.merge(rm, nil, msg.Update); err != nil {
		s.logger.Warn().Err(err).Str("room", rm.name).Msg("dropping undecodable bus update")
	}
}
