package nodeaccess

import "context"

// Cache is the host-supplied persistence seam (§9: "the host supplies the
// cache as an interface ... serialization is the core's responsibility").
// One instance backs the entities cache (decrypted node/volume JSON), a
// second backs the crypto cache (key material); the core never assumes
// either is in-process, so both are passed through context-aware calls.
type Cache interface {
	SetEntity(ctx context.Context, key string, value string) error
	GetEntity(ctx context.Context, key string) (value string, ok bool, err error)
	RemoveEntities(ctx context.Context, keys []string) error
}

// MemoryCache is an in-process Cache, useful as a default and in tests.
// Grounded in backend/protondrive.go's in-memory dirCache, generalized
// from path->ID memoization to the spec's opaque string cache contract.
type MemoryCache struct {
	entries map[string]string
}

// NewMemoryCache returns a ready, empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]string)}
}

func (c *MemoryCache) SetEntity(_ context.Context, key, value string) error {
	c.entries[key] = value
	return nil
}

func (c *MemoryCache) GetEntity(_ context.Context, key string) (string, bool, error) {
	v, ok := c.entries[key]
	return v, ok, nil
}

func (c *MemoryCache) RemoveEntities(_ context.Context, keys []string) error {
	for _, k := range keys {
		delete(c.entries, k)
	}
	return nil
}

func nodeEntityKey(uidStr string) string       { return "node-" + uidStr }
func nodeKeyMaterialKey(uidStr string) string  { return "nodeKey-" + uidStr }
func volumeEntityKey(volumeID string) string   { return "volume-" + volumeID }
