package controller

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/mellea-ai/mellea-platform/controlplane/build"
	"github.com/mellea-ai/mellea-platform/controlplane/environment"
	"github.com/mellea-ai/mellea-platform/controlplane/logger"
	"github.com/mellea-ai/mellea-platform/controlplane/program"
	"github.com/mellea-ai/mellea-platform/controlplane/types"
	"github.com/mellea-ai/mellea-platform/controlplane/utils"
)

// Resource limits for warm environments. Runs submitted against a warm
// environment inherit these until the facade overrides them.
var warmLimits = types.ResourceLimits{CPUCores: 1, MemoryMB: 1024, TimeoutSeconds: 600}

type WarmupConfig struct {
	PoolSize         int
	MaxAge           time.Duration
	PopularDepsCount int
	Interval         time.Duration
}

// Warmup keeps a pool of READY environments for recently run programs so
// runs start without waiting on a build.
type Warmup struct {
	programs       *program.Service
	envs           *environment.Service
	engine         build.Engine
	cache          *build.LayerCache
	workspacesRoot string
	cfg            WarmupConfig
}

func NewWarmup(programs *program.Service, envs *environment.Service, engine build.Engine, cache *build.LayerCache, workspacesRoot string, cfg WarmupConfig) *Warmup {
	return &Warmup{
		programs:       programs,
		envs:           envs,
		engine:         engine,
		cache:          cache,
		workspacesRoot: workspacesRoot,
		cfg:            cfg,
	}
}

// Loop returns the runnable loop for this controller.
func (w *Warmup) Loop() *Loop {
	return NewLoop("warmup", w.cfg.Interval, func(ctx context.Context) error {
		metrics := w.RunWarmupCycle(ctx)
		logger.Infof("warmup cycle: pool=%d created=%d recycled=%d prebuilt=%d errors=%d (%.1fs)",
			metrics.WarmPoolSize, metrics.EnvironmentsCreated, metrics.EnvironmentsRecycled,
			metrics.LayersPreBuilt, len(metrics.Errors), metrics.DurationSeconds)
		return nil
	})
}

// RunWarmupCycle recycles stale warm environments, then fills the pool back
// up from the most recently run programs.
func (w *Warmup) RunWarmupCycle(ctx context.Context) types.WarmupMetrics {
	start := time.Now()
	var metrics types.WarmupMetrics

	cutoff := time.Now().UTC().Add(-w.cfg.MaxAge)
	for _, env := range w.envs.ListByStatus(types.EnvReady) {
		if env.CreatedAt.After(cutoff) {
			continue
		}
		if err := w.envs.Delete(env.ID); err != nil {
			metrics.Errors = append(metrics.Errors, fmt.Sprintf("recycle %s: %s", env.ID, err))
			continue
		}
		metrics.EnvironmentsRecycled++
	}

	ready := w.envs.ListByStatus(types.EnvReady)
	readyPrograms := make(map[string]bool, len(ready))
	for _, env := range ready {
		readyPrograms[env.ProgramID] = true
	}

	needed := w.cfg.PoolSize - len(ready)
	for _, prog := range w.programs.List() {
		if needed <= 0 {
			break
		}
		if readyPrograms[prog.ID] {
			continue
		}

		prebuilt, err := w.warmProgram(ctx, prog)
		if err != nil {
			metrics.Errors = append(metrics.Errors, fmt.Sprintf("warm %s: %s", prog.ID, err))
			continue
		}
		metrics.EnvironmentsCreated++
		if prebuilt {
			metrics.LayersPreBuilt++
		}
		needed--
	}

	metrics.WarmPoolSize = len(w.envs.ListByStatus(types.EnvReady))
	metrics.DurationSeconds = time.Since(start).Seconds()
	return metrics
}

// warmProgram builds the program image (cache-aware) and parks a READY
// environment on it. Returns whether a new dependency layer was built.
func (w *Warmup) warmProgram(ctx context.Context, prog types.ProgramAsset) (bool, error) {
	workspace := prog.ProjectRoot
	if workspace == "" {
		workspace = filepath.Join(w.workspacesRoot, prog.ID)
	}

	var result *types.BuildResult
	err := utils.RetryWithBackoff(func() error {
		res, err := w.engine.BuildImage(ctx, prog, workspace, build.Options{Push: true})
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("%s", res.ErrorMessage)
		}
		result = res
		return nil
	}, 3, time.Second)
	if err != nil {
		return false, err
	}

	imageTag := result.ImageTag
	if imageTag == "" {
		imageTag = prog.ImageTag
	}

	env, err := w.envs.Create(prog.ID, imageTag, warmLimits)
	if err != nil {
		return false, err
	}
	if _, err := w.envs.UpdateStatus(env.ID, types.EnvReady, environment.UpdateOptions{}); err != nil {
		return false, err
	}
	return !result.CacheHit, nil
}

// GetWarmEnvironmentForProgram returns one READY environment for the
// program, if the pool holds one.
func (w *Warmup) GetWarmEnvironmentForProgram(programID string) (types.Environment, bool) {
	for _, env := range w.envs.ListByProgram(programID) {
		if env.Status == types.EnvReady {
			return env, true
		}
	}
	return types.Environment{}, false
}

// GetPopularDependencies returns cached layers ordered by use count.
// Reserved for layer-only pre-building.
func (w *Warmup) GetPopularDependencies() []types.LayerCacheEntry {
	return w.cache.Popular(w.cfg.PopularDepsCount)
}
