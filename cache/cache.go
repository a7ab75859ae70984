package cache

import (
	"context"
	"strings"
	"time"
)

// Cache operation namespaces used in key construction.
const (
	OpRecommend = "recommend"
	OpSimilar   = "similar"
	OpArtifact  = "artifact"
)

// Cache is a TTL-bounded key/value cache fronting the artifact store and
// the recommendation results. Entries are derived data: always
// reconstructable from the store, never the source of truth. Callers must
// treat any error as a miss and fall back to the store.
type Cache interface {
	// Get retrieves a value. The second return is false on miss or expiry.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Invalidate removes a single key.
	Invalidate(ctx context.Context, key string) error

	// InvalidateConfig removes every entry belonging to a configuration,
	// regardless of operation namespace. Issued after a new version is
	// activated so readers never serve results from the prior version.
	InvalidateConfig(ctx context.Context, configID string) error

	// Close releases the underlying client.
	Close() error
}

// Key builds a cache key of the form {operation}:{config_id}:{parts...}.
// The format is stable: it is used both for lookups and for targeted
// invalidation by configuration.
func Key(op, configID string, parts ...string) string {
	segments := append([]string{op, configID}, parts...)
	return strings.Join(segments, ":")
}

// keyConfigID extracts the config segment from a cache key, or "" if the
// key does not follow the standard format.
func keyConfigID(key string) string {
	segments := strings.SplitN(key, ":", 3)
	if len(segments) < 2 {
		return ""
	}
	return segments[1]
}
