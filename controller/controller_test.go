package controller

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/mellea-ai/mellea-platform/controlplane/artifact"
	"github.com/mellea-ai/mellea-platform/controlplane/credentials"
	"github.com/mellea-ai/mellea-platform/controlplane/environment"
	"github.com/mellea-ai/mellea-platform/controlplane/kube"
	"github.com/mellea-ai/mellea-platform/controlplane/program"
	"github.com/mellea-ai/mellea-platform/controlplane/run"
	"github.com/mellea-ai/mellea-platform/controlplane/store"
	"github.com/mellea-ai/mellea-platform/controlplane/types"
)

// fixture wires real services over temp-dir stores. Collection handles stay
// exposed so tests can backdate timestamps.
type fixture struct {
	programStore *store.Collection[types.ProgramAsset]
	envStore     *store.Collection[types.Environment]
	runStore     *store.Collection[types.Run]
	artStore     *store.Collection[types.Artifact]
	policyStore  *store.Collection[types.RetentionPolicy]
	cacheStore   *store.Collection[types.LayerCacheEntry]

	programs  *program.Service
	envs      *environment.Service
	runs      *run.Service
	artifacts *artifact.Collector
	exec      *run.Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	f := &fixture{}
	var err error
	f.programStore, err = store.Open[types.ProgramAsset](dir, "programs.json", "programs")
	require.NoError(t, err)
	f.envStore, err = store.Open[types.Environment](dir, "environments.json", "environments")
	require.NoError(t, err)
	f.runStore, err = store.Open[types.Run](dir, "runs.json", "runs")
	require.NoError(t, err)
	f.artStore, err = store.Open[types.Artifact](dir, "artifacts.json", "artifacts")
	require.NoError(t, err)
	f.policyStore, err = store.Open[types.RetentionPolicy](dir, "retention_policies.json", "policies")
	require.NoError(t, err)
	f.cacheStore, err = store.Open[types.LayerCacheEntry](dir, "layer_cache.json", "layer_cache")
	require.NoError(t, err)
	usageStore, err := store.Open[types.ArtifactUsage](dir, "artifact_usage.json", "artifact_usage")
	require.NoError(t, err)
	credStore, err := store.Open[types.Credential](dir, "credentials.json", "credentials")
	require.NoError(t, err)

	f.programs = program.NewService(f.programStore)
	f.envs = environment.NewService(f.envStore)
	f.runs = run.NewService(f.runStore)
	f.artifacts = artifact.NewCollector(f.artStore, usageStore, t.TempDir(), 100, 30)
	f.exec = run.NewExecutor(f.runs, f.envs, f.programs,
		credentials.NewStoreGateway(credStore),
		kube.NewRunJobs(fake.NewSimpleClientset(), "mellea-runs", ""), "/output")
	return f
}

func (f *fixture) backdateEnv(t *testing.T, id string, age time.Duration) {
	t.Helper()
	env, err := f.envStore.Get(id)
	require.NoError(t, err)
	past := time.Now().UTC().Add(-age)
	env.CreatedAt = past
	env.UpdatedAt = past
	require.NoError(t, f.envStore.Update(id, env))
}

func TestLoopRunsImmediatelyThenOnInterval(t *testing.T) {
	var cycles atomic.Int32
	ticks := make(chan struct{}, 16)
	loop := NewLoop("test", 250*time.Millisecond, func(ctx context.Context) error {
		cycles.Add(1)
		ticks <- struct{}{}
		return nil
	})

	loop.Start(context.Background())
	defer loop.Stop()

	// first cycle fires without waiting for the interval
	select {
	case <-ticks:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("no immediate cycle")
	}

	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatal("no interval cycle")
	}
	assert.GreaterOrEqual(t, cycles.Load(), int32(2))
}

func TestLoopStopWaitsAndIsIdempotent(t *testing.T) {
	var cycles atomic.Int32
	loop := NewLoop("test", 10*time.Millisecond, func(ctx context.Context) error {
		cycles.Add(1)
		return nil
	})

	loop.Start(context.Background())
	loop.Start(context.Background()) // second start is a no-op
	assert.True(t, loop.IsRunning())

	loop.Stop()
	assert.False(t, loop.IsRunning())

	settled := cycles.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, cycles.Load())

	loop.Stop() // stopping again must not block or panic
}

func TestLoopCycleErrorKeepsTicking(t *testing.T) {
	ticks := make(chan struct{}, 16)
	loop := NewLoop("test", 10*time.Millisecond, func(ctx context.Context) error {
		ticks <- struct{}{}
		return assert.AnError
	})

	loop.Start(context.Background())
	defer loop.Stop()

	for i := 0; i < 3; i++ {
		select {
		case <-ticks:
		case <-time.After(time.Second):
			t.Fatalf("loop died after %d cycles", i)
		}
	}
}
