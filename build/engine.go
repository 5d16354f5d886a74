// Package build produces program images, deduplicating dependency
// installation through a content-addressed layer cache. Two backends share
// the algorithm: a synchronous local-daemon engine and an asynchronous
// in-cluster Kaniko engine.
package build

import (
	"context"

	"github.com/mellea-ai/mellea-platform/controlplane/types"
)

// Stage labels the phase a build is in, for logging and error context.
type Stage string

const (
	StagePreparing       Stage = "preparing"
	StageBuildingDeps    Stage = "building_deps"
	StageBuildingProgram Stage = "building_program"
	StagePushing         Stage = "pushing"
)

// Options tune a single BuildImage call.
type Options struct {
	// ForceRebuild skips the cache lookup and rebuilds the dependency layer.
	ForceRebuild bool
	// Push uploads the built images to the configured registry.
	Push bool
}

// Engine turns a program and its workspace into a runnable image tag.
type Engine interface {
	// BuildImage builds (or reuses) the dependency layer and layers the
	// program source on top. Build failures are reported in the result,
	// not the error; the error is reserved for infrastructure faults.
	BuildImage(ctx context.Context, program types.ProgramAsset, workspacePath string, opts Options) (*types.BuildResult, error)

	// VerifyCachedImageExists probes whether imageTag is actually present
	// in the registry or daemon backing this engine.
	VerifyCachedImageExists(ctx context.Context, imageTag string) bool

	// PruneStaleCacheEntries drops cache entries unused for maxAgeDays,
	// removing the underlying images best-effort. Returns the count pruned.
	PruneStaleCacheEntries(ctx context.Context, maxAgeDays int) (int, error)
}

func failedResult(msg string) *types.BuildResult {
	return &types.BuildResult{Success: false, ErrorMessage: msg}
}
