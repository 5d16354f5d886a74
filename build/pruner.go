package build

import (
	"context"

	"github.com/robfig/cron"

	"github.com/mellea-ai/mellea-platform/controlplane/logger"
)

// StartCachePruner prunes stale layer cache entries every midnight, with an
// immediate catch-up pass at startup. Returns the scheduler so the caller
// can stop it on shutdown.
func StartCachePruner(ctx context.Context, engine Engine, maxAgeDays int) *cron.Cron {
	logger.Info("layer cache pruner started...")
	prune := func() {
		pruned, err := engine.PruneStaleCacheEntries(ctx, maxAgeDays)
		if err != nil {
			logger.Errorf("cache prune failed: %s", err)
			return
		}
		if pruned > 0 {
			logger.Infof("pruned %d stale layer cache entries", pruned)
		}
	}

	go prune() // catchup missed cycles if any
	c := cron.New()
	if err := c.AddFunc("@midnight", prune); err != nil {
		logger.Errorf("failed to schedule cache pruner: %s", err)
		return c
	}
	c.Start()
	return c
}
