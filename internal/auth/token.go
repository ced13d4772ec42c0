package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Token is a bearer credential plus the owner id it was issued for.
type Token struct {
	Value     string
	OwnerID   string
	ExpiresAt time.Time
}

func (t Token) Valid(now time.Time) bool {
	if strings.TrimSpace(t.Value) == "" || strings.TrimSpace(t.OwnerID) == "" {
		return false
	}
	return t.ExpiresAt.IsZero() || now.Before(t.ExpiresAt)
}

// TokenSource is asked for a token before every connection attempt. It
// returns ErrNoToken when the device holds no usable credential.
type TokenSource interface {
	Token(ctx context.Context) (Token, error)
}

type TokenSourceFunc func(ctx context.Context) (Token, error)

func (f TokenSourceFunc) Token(ctx context.Context) (Token, error) {
	return f(ctx)
}

type StaticTokenSource struct {
	token Token
	now   func() time.Time
}

func NewStaticTokenSource(token Token) *StaticTokenSource {
	return &StaticTokenSource{token: token, now: time.Now}
}

func (s *StaticTokenSource) Token(context.Context) (Token, error) {
	if !s.token.Valid(s.now()) {
		return Token{}, ErrNoToken
	}
	return s.token, nil
}

// FileTokenSource reads the token the identity provider keeps on disk. The
// file is re-read on every call so refreshed tokens are picked up.
type FileTokenSource struct {
	Path string
	now  func() time.Time
}

type tokenFile struct {
	Token     string `json:"token"`
	OwnerID   string `json:"ownerId"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

func NewFileTokenSource(path string) *FileTokenSource {
	return &FileTokenSource{Path: path, now: time.Now}
}

func (s *FileTokenSource) Token(context.Context) (Token, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Token{}, ErrNoToken
		}
		return Token{}, fmt.Errorf("read token file: %w", err)
	}
	var raw tokenFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return Token{}, fmt.Errorf("%w: token file is not valid json", ErrNoToken)
	}
	token := Token{Value: strings.TrimSpace(raw.Token), OwnerID: strings.TrimSpace(raw.OwnerID)}
	if raw.ExpiresAt != "" {
		expiresAt, err := time.Parse(time.RFC3339, raw.ExpiresAt)
		if err != nil {
			return Token{}, fmt.Errorf("%w: invalid expiresAt", ErrNoToken)
		}
		token.ExpiresAt = expiresAt
	}
	if !token.Valid(s.now()) {
		return Token{}, ErrNoToken
	}
	return token, nil
}

// WriteTokenFile stores token at path atomically.
func WriteTokenFile(path string, token Token) error {
	raw := tokenFile{Token: token.Value, OwnerID: token.OwnerID}
	if !token.ExpiresAt.IsZero() {
		raw.ExpiresAt = token.ExpiresAt.UTC().Format(time.RFC3339)
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// Watch calls onChange whenever the token file is created, rewritten or
// removed. It blocks until ctx is done.
func (s *FileTokenSource) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create token watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(s.Path)
	// Watch the directory: providers usually replace the file by rename.
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch token dir: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("token watcher: %w", err)
		}
	}
}
