package build

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/go-containerregistry/pkg/crane"
	archive "github.com/moby/go-archive"
	"github.com/moby/moby/client"

	"github.com/mellea-ai/mellea-platform/controlplane/logger"
	"github.com/mellea-ai/mellea-platform/controlplane/types"
)

// daemonDockerfileName is the transient program Dockerfile written into the
// workspace while the program layer builds.
const daemonDockerfileName = "Dockerfile.mellea"

// DaemonEngine builds images synchronously against the host container
// daemon. Both layers build as separate images so the deps layer is shared
// across programs with identical specs.
type DaemonEngine struct {
	docker *client.Client
	cache  *LayerCache
	auth   *RegistryAuth
}

func NewDaemonEngine(cache *LayerCache, auth *RegistryAuth) (*DaemonEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %s", err)
	}
	return &DaemonEngine{docker: cli, cache: cache, auth: auth}, nil
}

func (d *DaemonEngine) BuildImage(ctx context.Context, program types.ProgramAsset, workspacePath string, opts Options) (*types.BuildResult, error) {
	start := time.Now()
	cacheKey := CacheKey(program.Dependencies)
	logger.Infof("build for program %s: stage=%s cache_key=%s", program.ID, StagePreparing, cacheKey[:12])

	result := &types.BuildResult{}
	depsTag := DepsImageTag(d.auth.URL, cacheKey)

	if !opts.ForceRebuild {
		entry, hit, err := d.cache.Get(cacheKey)
		if err != nil {
			return nil, err
		}
		if hit {
			if d.VerifyCachedImageExists(ctx, entry.ImageTag) {
				result.CacheHit = true
				depsTag = entry.ImageTag
				logger.Infof("cache hit for key %s (use_count=%d)", cacheKey[:12], entry.UseCount)
			} else {
				logger.Warnf("cache entry %s points at missing image %s, invalidating", cacheKey[:12], entry.ImageTag)
				d.cache.Invalidate(cacheKey)
			}
		}
	}

	if !result.CacheHit {
		depsStart := time.Now()
		logger.Infof("build for program %s: stage=%s", program.ID, StageBuildingDeps)
		if err := d.buildDepsLayer(ctx, program.Dependencies, depsTag); err != nil {
			return failedResult(fmt.Sprintf("dependency layer build failed: %s", err)), nil
		}
		result.DepsBuildDurationSec = time.Since(depsStart).Seconds()

		if _, err := d.cache.Record(program.Dependencies, cacheKey, depsTag, 0); err != nil {
			return nil, err
		}
		if opts.Push {
			d.pushImage(ctx, depsTag)
		}
	}

	if _, err := os.Stat(workspacePath); err != nil {
		return nil, fmt.Errorf("workspace %s is not accessible: %w", workspacePath, err)
	}

	progStart := time.Now()
	progTag := ProgramImageTag(d.auth.URL, program.ID)
	logger.Infof("build for program %s: stage=%s", program.ID, StageBuildingProgram)
	if err := d.buildProgramLayer(ctx, workspacePath, depsTag, program.Entrypoint, progTag); err != nil {
		return failedResult(fmt.Sprintf("program layer build failed: %s", err)), nil
	}
	result.ProgramBuildDurationSec = time.Since(progStart).Seconds()

	if opts.Push {
		d.pushImage(ctx, progTag)
	}

	result.Success = true
	result.ImageTag = progTag
	result.TotalDurationSeconds = time.Since(start).Seconds()
	return result, nil
}

// buildDepsLayer materializes the Dockerfile and requirements file into a
// scratch context directory and builds it.
func (d *DaemonEngine) buildDepsLayer(ctx context.Context, spec types.DependencySpec, tag string) error {
	contextDir, err := os.MkdirTemp("", "mellea-deps-")
	if err != nil {
		return fmt.Errorf("failed to create build context: %s", err)
	}
	defer os.RemoveAll(contextDir)

	files := map[string]string{
		"Dockerfile":       DepsDockerfile(spec, false),
		"requirements.txt": RequirementsFile(spec),
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(contextDir, name), []byte(content), 0644); err != nil {
			return fmt.Errorf("failed to write %s: %s", name, err)
		}
	}
	return d.runBuild(ctx, contextDir, "Dockerfile", tag)
}

// buildProgramLayer builds with the workspace itself as context. The
// Dockerfile is written into the workspace under a reserved name and removed
// afterwards.
func (d *DaemonEngine) buildProgramLayer(ctx context.Context, workspacePath, depsTag, entrypoint, tag string) error {
	dockerfilePath := filepath.Join(workspacePath, daemonDockerfileName)
	if err := os.WriteFile(dockerfilePath, []byte(ProgramDockerfile(depsTag, entrypoint)), 0644); err != nil {
		return fmt.Errorf("failed to write program dockerfile: %s", err)
	}
	defer os.Remove(dockerfilePath)

	return d.runBuild(ctx, workspacePath, daemonDockerfileName, tag)
}

func (d *DaemonEngine) runBuild(ctx context.Context, contextDir, dockerfile, tag string) error {
	buildCtx, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("failed to tar build context: %s", err)
	}
	defer buildCtx.Close()

	resp, err := d.docker.ImageBuild(ctx, buildCtx, client.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  dockerfile,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fmt.Errorf("image build %s: %s", tag, err)
	}
	defer resp.Body.Close()

	return drainBuildStream(resp.Body)
}

// drainBuildStream consumes the daemon's JSON message stream; the build
// error, if any, arrives as a message rather than a transport failure.
func drainBuildStream(r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var msg struct {
			Error string `json:"error"`
		}
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read build output: %s", err)
		}
		if msg.Error != "" {
			return errors.New(msg.Error)
		}
	}
}

// pushImage pushes tag to the registry. Push failures are logged, never
// fatal: the image is still usable from the local daemon.
func (d *DaemonEngine) pushImage(ctx context.Context, tag string) {
	if !d.auth.Configured() {
		return
	}
	logger.Infof("stage=%s image=%s", StagePushing, tag)

	encoded, err := d.auth.EncodedAuth()
	if err != nil {
		logger.Warnf("failed to encode registry auth for %s: %s", tag, err)
		return
	}
	resp, err := d.docker.ImagePush(ctx, tag, client.ImagePushOptions{RegistryAuth: encoded})
	if err != nil {
		logger.Warnf("failed to push %s: %s", tag, err)
		return
	}
	// the push error, if any, arrives in-band; JSONMessages closes the stream
	for msg, err := range resp.JSONMessages(ctx) {
		if err != nil {
			logger.Warnf("failed to read push output for %s: %s", tag, err)
			return
		}
		if msg.Error != nil {
			logger.Warnf("push of %s reported an error: %s", tag, msg.Error.Message)
			return
		}
	}
}

// VerifyCachedImageExists checks the registry when one is configured; the
// local daemon is only authoritative for single-node setups.
func (d *DaemonEngine) VerifyCachedImageExists(ctx context.Context, imageTag string) bool {
	if d.auth.Configured() {
		_, err := crane.Head(imageTag, crane.WithContext(ctx), crane.WithAuth(d.auth.Authenticator()))
		return err == nil
	}

	_, err := d.docker.ImageInspect(ctx, imageTag)
	if errdefs.IsNotFound(err) {
		return false
	}
	if err != nil {
		logger.Warnf("failed to inspect image %s: %s", imageTag, err)
		return false
	}
	return true
}

func (d *DaemonEngine) PruneStaleCacheEntries(ctx context.Context, maxAgeDays int) (int, error) {
	return d.cache.Prune(maxAgeDays, func(imageTag string) error {
		_, err := d.docker.ImageRemove(ctx, imageTag, client.ImageRemoveOptions{Force: true, PruneChildren: true})
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	})
}
