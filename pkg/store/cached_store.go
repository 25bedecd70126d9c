package store

import (
	"context"
	"encoding/json"
	"time"

	"ledger/pkg/record"
)

// acceptedCacheTTL bounds how long a GetAccepted hit is trusted before the
// cache falls back to the durable tier; accepted artifacts never change
// once written, so this only controls staleness after a cache eviction.
const acceptedCacheTTL = 10 * time.Minute

// CachedStore layers a Cache in front of an ArtifactStore's GetAccepted
// path — the hot path for prerequisite resolution during commit gate
// processing and replay. Writes always go to the
// backing store first; the cache is populated lazily on read and on a
// successful PutAccepted.
type CachedStore struct {
	ArtifactStore
	cache Cache
}

// NewCachedStore wraps backing with cache for accepted-artifact lookups.
func NewCachedStore(backing ArtifactStore, cache Cache) *CachedStore {
	return &CachedStore{ArtifactStore: backing, cache: cache}
}

type cachedAccepted struct {
	Kind      record.Kind `json:"kind"`
	Canonical []byte      `json:"canonical"`
	TraceID   string      `json:"trace_id"`
	TimeKeyMs int64       `json:"time_key_ms"`
}

func (c *CachedStore) GetAccepted(ctx context.Context, hash string) (AcceptedArtifact, error) {
	if raw, err := c.cache.Get(ctx, acceptedCacheKey(hash)); err == nil {
		var cached cachedAccepted
		if jsonErr := json.Unmarshal([]byte(raw), &cached); jsonErr == nil {
			return AcceptedArtifact{
				Hash: hash, Kind: cached.Kind, Canonical: cached.Canonical,
				TraceID: cached.TraceID, TimeKeyMs: cached.TimeKeyMs,
			}, nil
		}
	}
	a, err := c.ArtifactStore.GetAccepted(ctx, hash)
	if err != nil {
		return AcceptedArtifact{}, err
	}
	c.warm(ctx, a)
	return a, nil
}

func (c *CachedStore) PutAccepted(ctx context.Context, artifact AcceptedArtifact) error {
	if err := c.ArtifactStore.PutAccepted(ctx, artifact); err != nil {
		return err
	}
	c.warm(ctx, artifact)
	return nil
}

func (c *CachedStore) warm(ctx context.Context, a AcceptedArtifact) {
	raw, err := json.Marshal(cachedAccepted{Kind: a.Kind, Canonical: a.Canonical, TraceID: a.TraceID, TimeKeyMs: a.TimeKeyMs})
	if err != nil {
		return
	}
	_ = c.cache.Set(ctx, acceptedCacheKey(a.Hash), string(raw), acceptedCacheTTL)
}

func acceptedCacheKey(hash string) string {
	return "accepted:" + hash
}
