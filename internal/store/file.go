package store

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps one file per room under Dir. File names are the base64url
// encoding of the room name so arbitrary names map to safe, distinct paths.
type FileStore struct {
	Dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{Dir: dir}, nil
}

func (b *FileStore) path(room string) string {
	return filepath.Join(b.Dir, base64.RawURLEncoding.EncodeToString([]byte(room))+".snapshot")
}

func (b *FileStore) Get(_ context.Context, room string) ([]byte, error) {
	data, err := os.ReadFile(b.path(room))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, wrap("get", room, err)
	}
	return data, nil
}

func (b *FileStore) Put(_ context.Context, room string, snapshot []byte) error {
	if room == "" {
		return ErrInvalidInput
	}
	target := b.path(room)
	tmp, err := os.CreateTemp(b.Dir, ".put-*")
	if err != nil {
		return wrap("put", room, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(snapshot); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return wrap("put", room, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return wrap("put", room, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return wrap("put", room, err)
	}
	return nil
}
