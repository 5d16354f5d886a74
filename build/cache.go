package build

import (
	"sort"
	"time"

	"github.com/mellea-ai/mellea-platform/controlplane/logger"
	"github.com/mellea-ai/mellea-platform/controlplane/store"
	"github.com/mellea-ai/mellea-platform/controlplane/types"
)

// LayerCache tracks built dependency layers keyed by cache key. At most one
// entry exists per key.
type LayerCache struct {
	entries *store.Collection[types.LayerCacheEntry]
}

func NewLayerCache(entries *store.Collection[types.LayerCacheEntry]) *LayerCache {
	return &LayerCache{entries: entries}
}

// Get returns the entry for cacheKey, bumping use_count and last_used_at on
// the hit. The second return is false on a miss.
func (c *LayerCache) Get(cacheKey string) (types.LayerCacheEntry, bool, error) {
	matches := c.entries.Find(func(e types.LayerCacheEntry) bool {
		return e.CacheKey == cacheKey
	})
	if len(matches) == 0 {
		return types.LayerCacheEntry{}, false, nil
	}

	entry := matches[0]
	entry.UseCount++
	entry.LastUsedAt = time.Now().UTC()
	if err := c.entries.Update(entry.ID, entry); err != nil {
		return types.LayerCacheEntry{}, false, err
	}
	return entry, true, nil
}

// Record stores a freshly built layer. An existing entry for the same key is
// replaced in place so the one-entry-per-key invariant holds.
func (c *LayerCache) Record(spec types.DependencySpec, cacheKey, imageTag string, sizeBytes int64) (types.LayerCacheEntry, error) {
	now := time.Now().UTC()
	entry := types.LayerCacheEntry{
		ID:                 store.NewID(),
		CacheKey:           cacheKey,
		ImageTag:           imageTag,
		InterpreterVersion: InterpreterVersion(spec),
		PackageCount:       len(spec.Packages),
		SizeBytes:          sizeBytes,
		CreatedAt:          now,
		LastUsedAt:         now,
		UseCount:           1,
	}

	if existing := c.entries.Find(func(e types.LayerCacheEntry) bool {
		return e.CacheKey == cacheKey
	}); len(existing) > 0 {
		entry.ID = existing[0].ID
		entry.CreatedAt = existing[0].CreatedAt
		return entry, c.entries.Update(entry.ID, entry)
	}
	return entry, c.entries.Create(entry)
}

// Invalidate drops the entry for cacheKey, if any. Used when the cached
// image turns out to be missing from the registry or daemon.
func (c *LayerCache) Invalidate(cacheKey string) {
	for _, e := range c.entries.Find(func(e types.LayerCacheEntry) bool {
		return e.CacheKey == cacheKey
	}) {
		if err := c.entries.Delete(e.ID); err != nil {
			logger.Warnf("failed to invalidate cache entry %s: %s", e.ID, err)
		}
	}
}

// Popular returns up to limit entries ordered by use_count descending.
func (c *LayerCache) Popular(limit int) []types.LayerCacheEntry {
	all := c.entries.ListAll()
	sort.SliceStable(all, func(i, j int) bool { return all[i].UseCount > all[j].UseCount })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

// Prune removes entries whose last_used_at precedes the cutoff and calls
// removeImage for each (best effort). Returns the number of entries pruned.
func (c *LayerCache) Prune(maxAgeDays int, removeImage func(imageTag string) error) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays)
	stale := c.entries.Find(func(e types.LayerCacheEntry) bool {
		return e.LastUsedAt.Before(cutoff)
	})

	pruned := 0
	for _, e := range stale {
		if removeImage != nil {
			if err := removeImage(e.ImageTag); err != nil {
				logger.Warnf("failed to remove stale image %s: %s", e.ImageTag, err)
			}
		}
		if err := c.entries.Delete(e.ID); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}
