package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/mellea-ai/mellea-platform/controlplane/environment"
	"github.com/mellea-ai/mellea-platform/controlplane/logger"
	"github.com/mellea-ai/mellea-platform/controlplane/run"
	"github.com/mellea-ai/mellea-platform/controlplane/types"
)

type IdleTimeoutConfig struct {
	IdleAfter    time.Duration
	RunRetention time.Duration
	Interval     time.Duration
}

// IdleTimeout reclaims environments idle beyond the threshold and deletes
// run records past retention.
type IdleTimeout struct {
	envs     *environment.Service
	runs     *run.Service
	executor *run.Executor
	cfg      IdleTimeoutConfig
}

func NewIdleTimeout(envs *environment.Service, runs *run.Service, executor *run.Executor, cfg IdleTimeoutConfig) *IdleTimeout {
	return &IdleTimeout{envs: envs, runs: runs, executor: executor, cfg: cfg}
}

func (c *IdleTimeout) Loop() *Loop {
	return NewLoop("idle-timeout", c.cfg.Interval, func(ctx context.Context) error {
		metrics := c.RunCleanupCycle(ctx)
		logger.Infof("idle cycle: envs=%d stopped=%d runs=%d deleted=%d errors=%d (%.1fs)",
			metrics.EnvironmentsChecked, metrics.EnvironmentsStopped,
			metrics.RunsChecked, metrics.RunsDeleted, len(metrics.Errors), metrics.DurationSeconds)
		return nil
	})
}

// RunCleanupCycle stops or deletes idle environments, then removes terminal
// runs older than the retention window.
func (c *IdleTimeout) RunCleanupCycle(ctx context.Context) types.ControllerMetrics {
	start := time.Now()
	var metrics types.ControllerMetrics
	now := time.Now().UTC()

	for _, env := range c.envs.ListByStatus(types.EnvReady, types.EnvRunning) {
		metrics.EnvironmentsChecked++
		if now.Sub(c.lastActivity(env)) <= c.cfg.IdleAfter {
			continue
		}

		var err error
		if env.Status == types.EnvRunning {
			err = c.stopEnvironment(env.ID)
		} else {
			err = c.envs.Delete(env.ID)
		}
		if err != nil {
			metrics.Errors = append(metrics.Errors, fmt.Sprintf("reclaim %s: %s", env.ID, err))
			continue
		}
		metrics.EnvironmentsStopped++
	}

	cutoff := now.Add(-c.cfg.RunRetention)
	for _, r := range c.runs.List() {
		if !r.Status.Terminal() {
			continue
		}
		metrics.RunsChecked++

		finished := r.CreatedAt
		if r.CompletedAt != nil {
			finished = *r.CompletedAt
		}
		if finished.After(cutoff) {
			continue
		}

		if _, err := c.executor.CleanupCompletedJob(ctx, r.ID); err != nil {
			logger.Warnf("failed to clean job for stale run %s: %s", r.ID, err)
		}
		if err := c.runs.Delete(r.ID); err != nil {
			metrics.Errors = append(metrics.Errors, fmt.Sprintf("delete run %s: %s", r.ID, err))
			continue
		}
		metrics.RunsDeleted++
	}

	metrics.DurationSeconds = time.Since(start).Seconds()
	return metrics
}

// lastActivity is the latest of the environment's own update time and its
// runs' start/completion times.
func (c *IdleTimeout) lastActivity(env types.Environment) time.Time {
	last := env.UpdatedAt
	for _, r := range c.runs.ListByEnvironment(env.ID) {
		if r.StartedAt != nil && r.StartedAt.After(last) {
			last = *r.StartedAt
		}
		if r.CompletedAt != nil && r.CompletedAt.After(last) {
			last = *r.CompletedAt
		}
	}
	return last
}

func (c *IdleTimeout) stopEnvironment(id string) error {
	if _, err := c.envs.UpdateStatus(id, types.EnvStopping, environment.UpdateOptions{}); err != nil {
		return err
	}
	_, err := c.envs.UpdateStatus(id, types.EnvStopped, environment.UpdateOptions{})
	return err
}
