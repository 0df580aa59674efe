package storedquery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileSink persists configuration documents as files under one directory,
// one file per key, fully rewritten on every save.
type FileSink struct {
	dir string
}

func NewFileSink(dir string) (*FileSink, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("sink directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sink directory: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

func (s *FileSink) LoadExtra(_ context.Context, key string) ([]byte, error) {
	body, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", key, err)
	}
	return body, nil
}

func (s *FileSink) SaveExtra(_ context.Context, key string, doc []byte) error {
	path := s.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, doc, 0o644); err != nil {
		return fmt.Errorf("write %q: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %q: %w", key, err)
	}
	return nil
}

func (s *FileSink) path(key string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, key)
	return filepath.Join(s.dir, safe+".json")
}
