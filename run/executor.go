package run

import (
	"context"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/mellea-ai/mellea-platform/controlplane/credentials"
	"github.com/mellea-ai/mellea-platform/controlplane/environment"
	"github.com/mellea-ai/mellea-platform/controlplane/errs"
	"github.com/mellea-ai/mellea-platform/controlplane/kube"
	"github.com/mellea-ai/mellea-platform/controlplane/logger"
	"github.com/mellea-ai/mellea-platform/controlplane/program"
	"github.com/mellea-ai/mellea-platform/controlplane/types"
)

// jobAdapter is the slice of the Kubernetes adapter the executor needs.
type jobAdapter interface {
	CreateRunJob(ctx context.Context, spec kube.RunJobSpec) (string, error)
	GetJobStatus(ctx context.Context, jobName string) (*kube.JobInfo, error)
	GetPodLogs(ctx context.Context, jobName string, tailLines *int64) (string, error)
	DeleteJob(ctx context.Context, jobName string, propagation metav1.DeletionPropagation, gracePeriodSeconds *int64) error
	CancelJob(ctx context.Context, jobName string, force bool) error
}

// Executor orchestrates run submission and reconciliation against the
// cluster. It never retries; controllers re-submit by creating new runs.
type Executor struct {
	runs       *Service
	envs       *environment.Service
	programs   *program.Service
	creds      credentials.Gateway
	jobs       jobAdapter
	outputPath string
}

func NewExecutor(runs *Service, envs *environment.Service, programs *program.Service, creds credentials.Gateway, jobs jobAdapter, outputPath string) *Executor {
	return &Executor{
		runs:       runs,
		envs:       envs,
		programs:   programs,
		creds:      creds,
		jobs:       jobs,
		outputPath: outputPath,
	}
}

// SubmitRun takes a QUEUED run to STARTING and creates its Job. Credential
// validation happens before the run is touched: a bad credential leaves the
// run QUEUED.
func (e *Executor) SubmitRun(ctx context.Context, runID, entrypoint string) (types.Run, error) {
	run, err := e.runs.Get(runID)
	if err != nil {
		return types.Run{}, err
	}
	if run.Status.Terminal() {
		return run, nil
	}
	if run.Status != types.RunQueued {
		return types.Run{}, errs.InvalidTransition("run", runID, string(run.Status), string(types.RunStarting))
	}

	env, err := e.envs.Get(run.EnvironmentID)
	if err != nil {
		return types.Run{}, err
	}
	if env.ImageTag == "" {
		failed, markErr := e.runs.MarkFailed(runID, nil, "environment has no built image")
		if markErr != nil {
			return types.Run{}, markErr
		}
		return failed, errs.EnvironmentNotReady(env.ID, "no image tag")
	}

	secretNames := make([]string, 0, len(run.CredentialIDs))
	for _, credID := range run.CredentialIDs {
		if err := e.creds.Validate(ctx, credID); err != nil {
			return types.Run{}, err
		}
	}
	for _, credID := range run.CredentialIDs {
		name, err := e.creds.SecretName(ctx, credID)
		if err != nil {
			return types.Run{}, err
		}
		secretNames = append(secretNames, name)
	}

	if entrypoint == "" {
		prog, err := e.programs.Get(run.ProgramID)
		if err != nil {
			return types.Run{}, err
		}
		entrypoint = prog.Entrypoint
	}

	run, err = e.runs.Start(runID, kube.RunJobName(env.ID))
	if err != nil {
		return types.Run{}, err
	}

	if _, err := e.jobs.CreateRunJob(ctx, kube.RunJobSpec{
		EnvironmentID: env.ID,
		ImageTag:      env.ImageTag,
		Limits:        env.ResourceLimits,
		Entrypoint:    entrypoint,
		SecretNames:   secretNames,
	}); err != nil {
		failed, markErr := e.runs.MarkFailed(runID, nil, err.Error())
		if markErr != nil {
			logger.Warnf("failed to mark run %s failed: %s", runID, markErr)
		}
		return failed, err
	}

	if err := e.programs.TouchLastRun(run.ProgramID); err != nil {
		logger.Warnf("failed to touch last_run_at for program %s: %s", run.ProgramID, err)
	}
	return run, nil
}

// SyncRunStatus reconciles the run with the cluster's view of its Job.
// Terminal runs and runs without a job are returned unchanged.
func (e *Executor) SyncRunStatus(ctx context.Context, runID string) (types.Run, error) {
	run, err := e.runs.Get(runID)
	if err != nil {
		return types.Run{}, err
	}
	if run.JobName == "" || run.Status.Terminal() {
		return run, nil
	}

	info, err := e.jobs.GetJobStatus(ctx, run.JobName)
	if err != nil {
		// a run whose job cannot be observed must not linger
		logger.Warnf("failed to query job %s for run %s: %s", run.JobName, runID, err)
		return e.runs.MarkFailed(runID, nil, err.Error())
	}

	switch info.Status {
	case kube.PhaseRunning:
		if run.Status == types.RunStarting {
			return e.runs.MarkRunning(runID)
		}
		return run, nil
	case kube.PhaseSucceeded:
		if run.Status == types.RunStarting {
			if _, err := e.runs.MarkRunning(runID); err != nil {
				return types.Run{}, err
			}
		}
		return e.runs.MarkSucceeded(runID, info.ExitCode, e.outputPath)
	case kube.PhaseFailed:
		if run.Status == types.RunStarting {
			if _, err := e.runs.MarkRunning(runID); err != nil {
				return types.Run{}, err
			}
		}
		msg := info.ErrorMessage
		if msg == "" {
			msg = "job failed"
		}
		return e.runs.MarkFailed(runID, info.ExitCode, msg)
	default:
		return run, nil
	}
}

// CancelRun marks the run CANCELLED and tears the Job down best-effort.
// Local truth wins: a cluster cancel failure does not resurrect the run.
func (e *Executor) CancelRun(ctx context.Context, runID string, force bool) (types.Run, error) {
	run, err := e.runs.Cancel(runID)
	if err != nil {
		return types.Run{}, err
	}

	if run.JobName != "" {
		if err := e.jobs.CancelJob(ctx, run.JobName, force); err != nil {
			logger.Warnf("failed to cancel job %s for run %s: %s", run.JobName, runID, err)
		}
	}
	return run, nil
}

// CleanupCompletedJob deletes the Job backing a terminal run. Returns false
// when the run is not terminal yet.
func (e *Executor) CleanupCompletedJob(ctx context.Context, runID string) (bool, error) {
	run, err := e.runs.Get(runID)
	if err != nil {
		return false, err
	}
	if !run.Status.Terminal() {
		return false, nil
	}
	if run.JobName == "" {
		return true, nil
	}

	if err := e.jobs.DeleteJob(ctx, run.JobName, metav1.DeletePropagationBackground, nil); err != nil {
		return false, err
	}
	return true, nil
}

// GetRunLogs returns the run's pod logs, or "" when the pod never started.
func (e *Executor) GetRunLogs(ctx context.Context, runID string, tailLines *int64) (string, error) {
	run, err := e.runs.Get(runID)
	if err != nil {
		return "", err
	}
	if run.JobName == "" {
		return "", nil
	}
	return e.jobs.GetPodLogs(ctx, run.JobName, tailLines)
}
