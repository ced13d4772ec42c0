// Package store persists room snapshots for the relay. Every backend keeps
// exactly one entry per room name and overwrites it on Put.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

type Store interface {
	// Get returns the latest snapshot for room or ErrNotFound.
	Get(ctx context.Context, room string) ([]byte, error)
	// Put replaces the snapshot for room.
	Put(ctx context.Context, room string, snapshot []byte) error
}

// Error wraps a backend failure. Not-found is never reported as an Error.
type Error struct {
	Op   string
	Room string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s %q: %v", e.Op, e.Room, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(op, room string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	var storeErr *Error
	if errors.As(err, &storeErr) {
		return err
	}
	return &Error{Op: op, Room: room, Err: err}
}

// Close releases backend resources when the store holds any.
func Close(s Store) error {
	if closer, ok := s.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string][]byte{}}
}

func (m *MemoryStore) Get(_ context.Context, room string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.data[room]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (m *MemoryStore) Put(_ context.Context, room string, snapshot []byte) error {
	if room == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[room] = append([]byte(nil), snapshot...)
	return nil
}

func (m *MemoryStore) Rooms() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rooms := make([]string, 0, len(m.data))
	for room := range m.data {
		rooms = append(rooms, room)
	}
	return rooms
}
