package kvstore

import (
	"context"
	"time"
)

// Persisted keys.
const (
	KeyCustomBlocklist        = "customBlocklist"
	KeyKeywordBlocklist       = "keywordBlocklist"
	KeyWhitelist              = "whitelist"
	KeyAPIBlocklistLastUpdate = "apiBlocklistLastUpdate"
)

// Store is a flat key-value store for user lists and refresh metadata.
// Missing keys are not errors: GetStrings returns nil and GetTime ok=false.
type Store interface {
	GetStrings(ctx context.Context, key string) ([]string, error)
	SetStrings(ctx context.Context, key string, values []string) error
	GetTime(ctx context.Context, key string) (time.Time, bool, error)
	SetTime(ctx context.Context, key string, t time.Time) error
	Close() error
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*RedisStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
