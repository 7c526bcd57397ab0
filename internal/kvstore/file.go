package kvstore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tternquist/beyond-ads-blocker/internal/fileutil"
)

// FileStore keeps all keys in one YAML map file, rewritten atomically on
// every set.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]any
}

// OpenFileStore loads path if it exists. A missing file is an empty store.
func OpenFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("state file path not set")
	}
	s := &FileStore{path: path, data: map[string]any{}}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	if m != nil {
		s.data = m
	}
	return s, nil
}

func (s *FileStore) GetStrings(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch v := s.data[key].(type) {
	case nil:
		return nil, nil
	case []string:
		return append([]string(nil), v...), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("key %s: non-string element %v", key, item)
			}
			out = append(out, str)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("key %s: expected string list, got %T", key, v)
	}
}

func (s *FileStore) SetStrings(_ context.Context, key string, values []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(key, append([]string{}, values...))
}

func (s *FileStore) GetTime(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch v := s.data[key].(type) {
	case nil:
		return time.Time{}, false, nil
	case time.Time:
		return v, true, nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("key %s: %w", key, err)
		}
		return t, true, nil
	default:
		return time.Time{}, false, fmt.Errorf("key %s: expected timestamp, got %T", key, v)
	}
}

func (s *FileStore) SetTime(_ context.Context, key string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(key, t.UTC().Format(time.RFC3339Nano))
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) setLocked(key string, value any) error {
	prev, existed := s.data[key]
	s.data[key] = value
	out, err := yaml.Marshal(s.data)
	if err == nil {
		err = fileutil.WriteFileAtomic(s.path, out, 0o600)
	}
	if err != nil {
		if existed {
			s.data[key] = prev
		} else {
			delete(s.data, key)
		}
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}
