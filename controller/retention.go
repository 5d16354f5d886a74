package controller

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mellea-ai/mellea-platform/controlplane/artifact"
	"github.com/mellea-ai/mellea-platform/controlplane/environment"
	"github.com/mellea-ai/mellea-platform/controlplane/errs"
	"github.com/mellea-ai/mellea-platform/controlplane/logger"
	"github.com/mellea-ai/mellea-platform/controlplane/run"
	"github.com/mellea-ai/mellea-platform/controlplane/store"
	"github.com/mellea-ai/mellea-platform/controlplane/types"
)

// SIZE_BYTES policies never touch artifacts younger than this, so a run still
// in flight keeps its large outputs.
const sizePolicyMinAgeDays = 7

type RetentionConfig struct {
	Interval time.Duration
}

// Retention evaluates retention policies against artifacts, runs, and
// environments and deletes what matches.
type Retention struct {
	policies  *store.Collection[types.RetentionPolicy]
	artifacts *artifact.Collector
	runs      *run.Service
	envs      *environment.Service
	cfg       RetentionConfig
}

func NewRetention(policies *store.Collection[types.RetentionPolicy], artifacts *artifact.Collector, runs *run.Service, envs *environment.Service, cfg RetentionConfig) (*Retention, error) {
	c := &Retention{policies: policies, artifacts: artifacts, runs: runs, envs: envs, cfg: cfg}
	if err := c.seedDefaults(); err != nil {
		return nil, err
	}
	return c, nil
}

// seedDefaults installs the stock policies the first time the collection is
// opened. A non-empty collection is left alone, even if the user deleted or
// disabled every default.
func (c *Retention) seedDefaults() error {
	if len(c.policies.ListAll()) > 0 {
		return nil
	}

	defaults := []types.RetentionPolicy{
		{Name: "artifact-30-day", ResourceType: types.RetainArtifact, Condition: types.ConditionAgeDays, Threshold: 30},
		{Name: "run-7-day", ResourceType: types.RetainRun, Condition: types.ConditionAgeDays, Threshold: 7},
		{Name: "failed-run-3-day", ResourceType: types.RetainRun, Condition: types.ConditionStatus, StatusValue: string(types.RunFailed), Threshold: 3, Priority: 1},
		{Name: "large-artifact-7-day", ResourceType: types.RetainArtifact, Condition: types.ConditionSizeBytes, Threshold: 500 * 1024 * 1024, Priority: 1},
	}
	for _, p := range defaults {
		p.ID = store.NewID()
		p.Enabled = true
		p.CreatedAt = time.Now().UTC()
		if err := c.policies.Create(p); err != nil {
			return err
		}
	}
	logger.Infof("seeded %d default retention policies", len(defaults))
	return nil
}

func (c *Retention) Loop() *Loop {
	return NewLoop("retention", c.cfg.Interval, func(ctx context.Context) error {
		metrics := c.RunCleanupCycle(ctx)
		logger.Infof("retention cycle: policies=%d artifacts=%d runs=%d envs=%d freed=%d errors=%d (%.1fs)",
			metrics.PoliciesEvaluated, metrics.ArtifactsDeleted, metrics.RunsDeleted,
			metrics.EnvironmentsCleaned, metrics.StorageFreedBytes, len(metrics.Errors), metrics.DurationSeconds)
		return nil
	})
}

// RunCleanupCycle evaluates every enabled policy, highest priority first, and
// deletes the matches through the owning services.
func (c *Retention) RunCleanupCycle(ctx context.Context) types.RetentionMetrics {
	start := time.Now()
	var metrics types.RetentionMetrics

	for _, policy := range c.enabledPolicies() {
		metrics.PoliciesEvaluated++
		c.applyPolicy(policy, &metrics)
	}

	metrics.DurationSeconds = time.Since(start).Seconds()
	return metrics
}

func (c *Retention) enabledPolicies() []types.RetentionPolicy {
	enabled := c.policies.Find(func(p types.RetentionPolicy) bool { return p.Enabled })
	sort.SliceStable(enabled, func(i, j int) bool { return enabled[i].Priority > enabled[j].Priority })
	return enabled
}

func (c *Retention) applyPolicy(policy types.RetentionPolicy, metrics *types.RetentionMetrics) {
	switch policy.ResourceType {
	case types.RetainArtifact:
		for _, art := range c.matchArtifacts(policy) {
			if err := c.artifacts.Delete(art.ID); err != nil {
				metrics.Errors = append(metrics.Errors, fmt.Sprintf("policy %s artifact %s: %s", policy.Name, art.ID, err))
				continue
			}
			metrics.ArtifactsDeleted++
			metrics.StorageFreedBytes += art.SizeBytes
		}
	case types.RetainRun:
		for _, r := range c.matchRuns(policy) {
			if err := c.runs.Delete(r.ID); err != nil {
				metrics.Errors = append(metrics.Errors, fmt.Sprintf("policy %s run %s: %s", policy.Name, r.ID, err))
				continue
			}
			metrics.RunsDeleted++
		}
	case types.RetainEnvironment:
		for _, env := range c.matchEnvironments(policy) {
			if err := c.envs.Delete(env.ID); err != nil {
				metrics.Errors = append(metrics.Errors, fmt.Sprintf("policy %s environment %s: %s", policy.Name, env.ID, err))
				continue
			}
			metrics.EnvironmentsCleaned++
		}
	default:
		logger.Warnf("policy %s targets unsupported resource %q, skipping", policy.Name, policy.ResourceType)
	}
}

func (c *Retention) matchArtifacts(policy types.RetentionPolicy) []types.Artifact {
	now := time.Now().UTC()
	var matched []types.Artifact
	for _, art := range c.artifacts.List(artifact.ListFilter{}) {
		if policy.UserID != nil && art.OwnerID != *policy.UserID {
			continue
		}
		ageDays := int64(now.Sub(art.CreatedAt).Hours() / 24)

		var hit bool
		switch policy.Condition {
		case types.ConditionAgeDays:
			hit = ageDays >= policy.Threshold
		case types.ConditionSizeBytes:
			hit = art.SizeBytes >= policy.Threshold && ageDays >= sizePolicyMinAgeDays
		case types.ConditionUnusedDays:
			hit = ageDays >= policy.Threshold
		}
		if hit {
			matched = append(matched, art)
		}
	}
	return matched
}

func (c *Retention) matchRuns(policy types.RetentionPolicy) []types.Run {
	now := time.Now().UTC()
	var matched []types.Run
	for _, r := range c.runs.List() {
		if !r.Status.Terminal() {
			continue
		}

		finished := r.CreatedAt
		if r.CompletedAt != nil {
			finished = *r.CompletedAt
		}
		ageDays := int64(now.Sub(finished).Hours() / 24)

		var hit bool
		switch policy.Condition {
		case types.ConditionAgeDays:
			hit = ageDays >= policy.Threshold
		case types.ConditionStatus:
			hit = string(r.Status) == policy.StatusValue && ageDays >= policy.Threshold
		}
		if hit {
			matched = append(matched, r)
		}
	}
	return matched
}

func (c *Retention) matchEnvironments(policy types.RetentionPolicy) []types.Environment {
	now := time.Now().UTC()
	var matched []types.Environment
	for _, env := range c.envs.ListByStatus(types.EnvStopped, types.EnvFailed) {
		ageDays := int64(now.Sub(env.UpdatedAt).Hours() / 24)

		var hit bool
		switch policy.Condition {
		case types.ConditionAgeDays, types.ConditionUnusedDays:
			hit = ageDays >= policy.Threshold
		case types.ConditionStatus:
			hit = string(env.Status) == policy.StatusValue && ageDays >= policy.Threshold
		}
		if hit {
			matched = append(matched, env)
		}
	}
	return matched
}

// PreviewPolicy returns the ids a policy would delete right now, without
// deleting anything.
func (c *Retention) PreviewPolicy(policyID string) ([]string, error) {
	policy, err := c.policies.Get(policyID)
	if err != nil {
		return nil, errs.NotFound("retention policy", policyID)
	}

	var ids []string
	switch policy.ResourceType {
	case types.RetainArtifact:
		for _, art := range c.matchArtifacts(policy) {
			ids = append(ids, art.ID)
		}
	case types.RetainRun:
		for _, r := range c.matchRuns(policy) {
			ids = append(ids, r.ID)
		}
	case types.RetainEnvironment:
		for _, env := range c.matchEnvironments(policy) {
			ids = append(ids, env.ID)
		}
	}
	return ids, nil
}

// CreatePolicy registers a user-defined policy.
func (c *Retention) CreatePolicy(policy types.RetentionPolicy) (types.RetentionPolicy, error) {
	policy.ID = store.NewID()
	policy.CreatedAt = time.Now().UTC()
	if err := c.policies.Create(policy); err != nil {
		return types.RetentionPolicy{}, err
	}
	return policy, nil
}

func (c *Retention) ListPolicies() []types.RetentionPolicy {
	return c.policies.ListAll()
}

func (c *Retention) DeletePolicy(id string) error {
	return c.policies.Delete(id)
}
