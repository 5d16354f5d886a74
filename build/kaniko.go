package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/go-containerregistry/pkg/crane"

	"github.com/mellea-ai/mellea-platform/controlplane/kube"
	"github.com/mellea-ai/mellea-platform/controlplane/logger"
	"github.com/mellea-ai/mellea-platform/controlplane/types"
)

// ConfigMap-delivered contexts cap out well below the 1MiB object limit
// once every file is inlined.
const (
	maxContextFileBytes  = 256 * 1024
	maxContextTotalBytes = 900 * 1024
)

// KanikoEngine builds images asynchronously through in-cluster Kaniko Jobs.
// Both layers collapse into a single Dockerfile per build: without a shared
// daemon there is no intermediate image to reuse locally, so layer reuse
// happens through the registry cache repo instead.
type KanikoEngine struct {
	jobs  *kube.BuildJobs
	cache *LayerCache
	auth  *RegistryAuth
}

func NewKanikoEngine(jobs *kube.BuildJobs, cache *LayerCache, auth *RegistryAuth) *KanikoEngine {
	return &KanikoEngine{jobs: jobs, cache: cache, auth: auth}
}

// BuildImage submits a Build Job and returns immediately. Success in the
// result means the job was accepted; callers poll the job for the terminal
// state before flipping the program's build status.
func (k *KanikoEngine) BuildImage(ctx context.Context, program types.ProgramAsset, workspacePath string, opts Options) (*types.BuildResult, error) {
	start := time.Now()
	cacheKey := CacheKey(program.Dependencies)
	logger.Infof("build for program %s: stage=%s cache_key=%s", program.ID, StagePreparing, cacheKey[:12])

	cacheHit := false
	depsTag := DepsImageTag(k.auth.URL, cacheKey)
	if !opts.ForceRebuild {
		entry, hit, err := k.cache.Get(cacheKey)
		if err != nil {
			return nil, err
		}
		if hit {
			if k.VerifyCachedImageExists(ctx, entry.ImageTag) {
				cacheHit = true
				depsTag = entry.ImageTag
			} else {
				logger.Warnf("cache entry %s points at missing image %s, invalidating", cacheKey[:12], entry.ImageTag)
				k.cache.Invalidate(cacheKey)
			}
		}
	}

	contextFiles, err := collectContextFiles(workspacePath)
	if err != nil {
		return nil, err
	}

	// On a verified cache hit the deps image is pulled straight from the
	// registry; otherwise dependencies install inside the combined build.
	var dockerfile string
	if cacheHit {
		dockerfile = ProgramDockerfile(depsTag, program.Entrypoint)
	} else {
		dockerfile = CombinedDockerfile(program.Dependencies, program.Entrypoint)
		if len(program.Dependencies.Packages) > 0 {
			contextFiles["requirements.txt"] = RequirementsFile(program.Dependencies)
		}
	}

	imageTag := ProgramImageTag(k.auth.URL, program.ID)
	result, err := k.jobs.CreateBuildJob(ctx, program.ID, dockerfile, contextFiles, imageTag)
	if err != nil {
		return failedResult(fmt.Sprintf("failed to submit build job: %s", err)), nil
	}

	// Recorded at submission: the registry cache repo makes the layers
	// reusable as soon as the job lands, and a failed job invalidates on
	// the next existence probe.
	if !cacheHit && k.auth.Configured() {
		if _, err := k.cache.Record(program.Dependencies, cacheKey, depsTag, 0); err != nil {
			return nil, err
		}
	}

	result.CacheHit = cacheHit
	result.TotalDurationSeconds = time.Since(start).Seconds()
	return result, nil
}

// VerifyCachedImageExists probes the registry. Without a registry Kaniko
// builds are --no-push, so nothing survives a job to verify.
func (k *KanikoEngine) VerifyCachedImageExists(ctx context.Context, imageTag string) bool {
	if !k.auth.Configured() {
		return false
	}
	_, err := crane.Head(imageTag, crane.WithContext(ctx), crane.WithAuth(k.auth.Authenticator()))
	return err == nil
}

func (k *KanikoEngine) PruneStaleCacheEntries(ctx context.Context, maxAgeDays int) (int, error) {
	return k.cache.Prune(maxAgeDays, func(imageTag string) error {
		if !k.auth.Configured() {
			return nil
		}
		return crane.Delete(imageTag, crane.WithContext(ctx), crane.WithAuth(k.auth.Authenticator()))
	})
}

// collectContextFiles gathers the workspace's root-level text files for the
// ConfigMap context. Nested paths are skipped: ConfigMap keys cannot contain
// path separators, and programs beyond a flat module belong on the daemon
// backend.
func collectContextFiles(workspacePath string) (map[string]string, error) {
	entries, err := os.ReadDir(workspacePath)
	if err != nil {
		return nil, fmt.Errorf("workspace %s is not accessible: %w", workspacePath, err)
	}

	files := make(map[string]string)
	total := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			if !strings.HasPrefix(name, ".") && name != "__pycache__" {
				logger.Warnf("skipping directory %s: configmap build contexts are flat", name)
			}
			continue
		}
		if strings.HasPrefix(name, ".") || name == daemonDockerfileName {
			continue
		}

		data, err := os.ReadFile(filepath.Join(workspacePath, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read context file %s: %w", name, err)
		}
		if len(data) > maxContextFileBytes || !utf8.Valid(data) {
			logger.Warnf("skipping context file %s: too large or not text", name)
			continue
		}
		if total += len(data); total > maxContextTotalBytes {
			return nil, fmt.Errorf("workspace %s exceeds the configmap context size limit", workspacePath)
		}
		files[name] = string(data)
	}
	return files, nil
}
