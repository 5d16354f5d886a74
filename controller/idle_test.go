package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mellea-ai/mellea-platform/controlplane/environment"
	"github.com/mellea-ai/mellea-platform/controlplane/types"
)

func idleConfig() IdleTimeoutConfig {
	return IdleTimeoutConfig{
		IdleAfter:    30 * time.Minute,
		RunRetention: 7 * 24 * time.Hour,
		Interval:     time.Minute,
	}
}

func (f *fixture) environmentIn(t *testing.T, target types.EnvironmentStatus) types.Environment {
	t.Helper()
	env, err := f.envs.Create("prog-1", "img:1", types.ResourceLimits{CPUCores: 1, MemoryMB: 512})
	require.NoError(t, err)
	for _, status := range pathTo(target) {
		_, err = f.envs.UpdateStatus(env.ID, status, environment.UpdateOptions{})
		require.NoError(t, err)
	}
	got, err := f.envs.Get(env.ID)
	require.NoError(t, err)
	return got
}

func pathTo(target types.EnvironmentStatus) []types.EnvironmentStatus {
	switch target {
	case types.EnvReady:
		return []types.EnvironmentStatus{types.EnvReady}
	case types.EnvRunning:
		return []types.EnvironmentStatus{types.EnvReady, types.EnvStarting, types.EnvRunning}
	case types.EnvStopped:
		return []types.EnvironmentStatus{types.EnvReady, types.EnvStarting, types.EnvRunning, types.EnvStopping, types.EnvStopped}
	case types.EnvFailed:
		return []types.EnvironmentStatus{types.EnvFailed}
	}
	return nil
}

func TestIdleRunningEnvironmentIsStopped(t *testing.T) {
	f := newFixture(t)
	env := f.environmentIn(t, types.EnvRunning)
	f.backdateEnv(t, env.ID, time.Hour)

	c := NewIdleTimeout(f.envs, f.runs, f.exec, idleConfig())
	metrics := c.RunCleanupCycle(context.Background())

	assert.Equal(t, 1, metrics.EnvironmentsChecked)
	assert.Equal(t, 1, metrics.EnvironmentsStopped)
	assert.Empty(t, metrics.Errors)

	got, err := f.envs.Get(env.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EnvStopped, got.Status)
	assert.NotNil(t, got.StoppedAt)
}

func TestIdleReadyEnvironmentIsDeleted(t *testing.T) {
	f := newFixture(t)
	env := f.environmentIn(t, types.EnvReady)
	f.backdateEnv(t, env.ID, time.Hour)

	c := NewIdleTimeout(f.envs, f.runs, f.exec, idleConfig())
	metrics := c.RunCleanupCycle(context.Background())

	assert.Equal(t, 1, metrics.EnvironmentsStopped)
	_, err := f.envs.Get(env.ID)
	assert.Error(t, err)
}

func TestRecentlyActiveEnvironmentIsKept(t *testing.T) {
	f := newFixture(t)
	fresh := f.environmentIn(t, types.EnvReady)

	// stale by its own clock, but a run started recently
	busy := f.environmentIn(t, types.EnvRunning)
	r, err := f.runs.Create(busy.ID, "prog-1", nil)
	require.NoError(t, err)
	_, err = f.runs.Start(r.ID, "mellea-run-x")
	require.NoError(t, err)
	_, err = f.runs.MarkRunning(r.ID)
	require.NoError(t, err)
	f.backdateEnv(t, busy.ID, time.Hour)

	c := NewIdleTimeout(f.envs, f.runs, f.exec, idleConfig())
	metrics := c.RunCleanupCycle(context.Background())

	assert.Equal(t, 2, metrics.EnvironmentsChecked)
	assert.Equal(t, 0, metrics.EnvironmentsStopped)
	_, err = f.envs.Get(fresh.ID)
	assert.NoError(t, err)
	got, err := f.envs.Get(busy.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EnvRunning, got.Status)
}

func TestStaleTerminalRunsAreDeleted(t *testing.T) {
	f := newFixture(t)
	env := f.environmentIn(t, types.EnvReady)

	stale, err := f.runs.Create(env.ID, "prog-1", nil)
	require.NoError(t, err)
	_, err = f.runs.Cancel(stale.ID)
	require.NoError(t, err)
	doc, err := f.runStore.Get(stale.ID)
	require.NoError(t, err)
	past := time.Now().UTC().Add(-8 * 24 * time.Hour)
	doc.CompletedAt = &past
	require.NoError(t, f.runStore.Update(stale.ID, doc))

	recent, err := f.runs.Create(env.ID, "prog-1", nil)
	require.NoError(t, err)
	_, err = f.runs.Cancel(recent.ID)
	require.NoError(t, err)

	// old but still queued: retention only applies to terminal runs
	queued, err := f.runs.Create(env.ID, "prog-1", nil)
	require.NoError(t, err)
	qdoc, err := f.runStore.Get(queued.ID)
	require.NoError(t, err)
	qdoc.CreatedAt = past
	require.NoError(t, f.runStore.Update(queued.ID, qdoc))

	c := NewIdleTimeout(f.envs, f.runs, f.exec, idleConfig())
	metrics := c.RunCleanupCycle(context.Background())

	assert.Equal(t, 2, metrics.RunsChecked)
	assert.Equal(t, 1, metrics.RunsDeleted)
	_, err = f.runs.Get(stale.ID)
	assert.Error(t, err)
	_, err = f.runs.Get(recent.ID)
	assert.NoError(t, err)
	_, err = f.runs.Get(queued.ID)
	assert.NoError(t, err)
}
