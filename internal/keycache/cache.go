// Package keycache holds the process-wide mapping from profile name to
// its storage id and decrypted profile key. The cache is shared by all
// sessions and populated lazily; entries live for the lifetime of the
// process.
package keycache

import (
	"context"
	"sync"

	"github.com/dmitrijs2005/secvault/internal/cryptox"
	"github.com/dmitrijs2005/secvault/internal/unblock"
	"golang.org/x/sync/singleflight"
)

type profileEntry struct {
	id  int64
	key *cryptox.ProfileKey
}

// Cache is a cache-aside store for profile keys. Misses are populated
// through Resolve; concurrent misses for the same profile share one
// storage read. The lock never leaks to callers.
type Cache struct {
	mu       sync.RWMutex
	storeKey *cryptox.StoreKey
	profiles map[string]profileEntry
	flight   singleflight.Group
}

// New creates a cache unwrapping profile keys under storeKey.
func New(storeKey *cryptox.StoreKey) *Cache {
	return &Cache{
		storeKey: storeKey,
		profiles: make(map[string]profileEntry),
	}
}

// GetProfile returns the cached id and key for a profile name.
func (c *Cache) GetProfile(name string) (int64, *cryptox.ProfileKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.profiles[name]
	return e.id, e.key, ok
}

// AddProfile caches the id and key for a profile name. Last writer
// wins; concurrent racers always carry an equivalent pair.
func (c *Cache) AddProfile(name string, id int64, key *cryptox.ProfileKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profiles[name] = profileEntry{id: id, key: key}
}

// RemoveProfile drops the cached pair for a deleted profile so the
// cache never names an id that no longer exists in storage.
func (c *Cache) RemoveProfile(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.profiles, name)
}

// StoreKey returns the currently active store key.
func (c *Cache) StoreKey() *cryptox.StoreKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.storeKey
}

// SetStoreKey swaps the store key after a completed rekey. Cached
// profile keys stay valid: rekey changes their wrapped form, not the
// key material.
func (c *Cache) SetStoreKey(k *cryptox.StoreKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeKey = k
}

// LoadKey unwraps an encrypted profile key blob under the current store
// key. Unwrapping is CPU-bound and runs through the worker pool.
func (c *Cache) LoadKey(ctx context.Context, blob []byte) (*cryptox.ProfileKey, error) {
	storeKey := c.StoreKey()

	var pk *cryptox.ProfileKey
	err := unblock.Do(ctx, func() error {
		var err error
		pk, err = storeKey.UnwrapProfileKey(blob)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pk, nil
}

// Resolve returns the id and key for a profile, populating the cache
// through fetch on a miss. fetch reads the stored (id, encrypted key)
// row and reports a missing row as common.ErrorNotFound; failed
// resolutions are never cached.
func (c *Cache) Resolve(ctx context.Context, name string, fetch func(ctx context.Context) (int64, []byte, error)) (int64, *cryptox.ProfileKey, error) {
	if id, key, ok := c.GetProfile(name); ok {
		return id, key, nil
	}

	v, err, _ := c.flight.Do(name, func() (any, error) {
		// A racer may have populated the entry while we waited.
		if id, key, ok := c.GetProfile(name); ok {
			return profileEntry{id: id, key: key}, nil
		}

		id, blob, err := fetch(ctx)
		if err != nil {
			return nil, err
		}

		key, err := c.LoadKey(ctx, blob)
		if err != nil {
			return nil, err
		}

		c.AddProfile(name, id, key)
		return profileEntry{id: id, key: key}, nil
	})
	if err != nil {
		return 0, nil, err
	}

	e := v.(profileEntry)
	return e.id, e.key, nil
}
