package executor

import "sync"

// assetCacheKey identifies one cached upload by the render-engine endpoint
// it was uploaded to and the asset's content hash.
type assetCacheKey struct {
	endpoint    string
	contentHash string
}

// AssetCache is a process-wide, concurrency-safe mapping from
// (engine_endpoint, content_hash) to the engine-assigned filename. Entries
// never expire; writes are idempotent, matching the distributed-lock-guarded
// idempotent writes in the reference dispatcher job, simplified here to a
// plain mutex since the cache never crosses process boundaries.
type AssetCache struct {
	mu      sync.Mutex
	entries map[assetCacheKey]string
}

// NewAssetCache returns an empty cache.
func NewAssetCache() *AssetCache {
	return &AssetCache{entries: map[assetCacheKey]string{}}
}

// Lookup returns the cached filename for (endpoint, contentHash), if any.
func (c *AssetCache) Lookup(endpoint, contentHash string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name, ok := c.entries[assetCacheKey{endpoint, contentHash}]
	return name, ok
}

// Store records the engine-assigned filename for (endpoint, contentHash).
// Calling Store twice with the same key and the same filename is a no-op;
// callers never write conflicting filenames for one key.
func (c *AssetCache) Store(endpoint, contentHash, filename string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[assetCacheKey{endpoint, contentHash}] = filename
}
