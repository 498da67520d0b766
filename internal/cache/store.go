package cache

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"
)

// StoredResponse is the cached representation of an upstream response.
type StoredResponse struct {
	Status   int               `json:"status"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     []byte            `json:"body,omitempty"`
	StoredAt time.Time         `json:"storedAt"`
}

// GenerationStore is a key-value blob store partitioned by generation tag.
// Exactly one generation is current at any time; the lifecycle agent owns
// which tag that is. Stores are additive: concurrent writers for one key may
// race and the last writer wins, which is acceptable because responses for a
// given URL are fungible.
type GenerationStore interface {
	Lookup(ctx context.Context, generation, key string) (StoredResponse, bool, error)
	Store(ctx context.Context, generation, key string, resp StoredResponse) error
	Generations(ctx context.Context) ([]string, error)
	DeleteGeneration(ctx context.Context, generation string) error
	Size(ctx context.Context, generation string) (int64, error)
	Close(ctx context.Context) error
}

// RequestKey derives the cache key for an intercepted request. Only GET
// requests participate in caching, but the method is kept in the key so the
// store never conflates lookups should that ever change.
func RequestKey(method, url string) string {
	return method + " " + url
}

// HashTag folds a manifest into a short FNV-1a suffix so a manifest edit
// yields a distinct generation tag under the same deploy version.
func HashTag(version string, manifest []string) string {
	h := fnv.New64a()
	for _, entry := range manifest {
		_, _ = h.Write([]byte(entry))
		_, _ = h.Write([]byte("|"))
	}
	return fmt.Sprintf("%s-%016x", version, h.Sum64())
}

func cloneResponse(in StoredResponse) StoredResponse {
	out := StoredResponse{
		Status:   in.Status,
		StoredAt: in.StoredAt,
	}
	if len(in.Headers) > 0 {
		out.Headers = make(map[string]string, len(in.Headers))
		for k, v := range in.Headers {
			out.Headers[k] = v
		}
	}
	if len(in.Body) > 0 {
		out.Body = append([]byte(nil), in.Body...)
	}
	return out
}
