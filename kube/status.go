package kube

import (
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"

	"github.com/mellea-ai/mellea-platform/controlplane/types"
)

// JobPhase is the adapter's view of a Job's lifecycle.
type JobPhase string

const (
	PhasePending   JobPhase = "pending"
	PhaseRunning   JobPhase = "running"
	PhaseSucceeded JobPhase = "succeeded"
	PhaseFailed    JobPhase = "failed"
)

// JobInfo summarizes one Job and its pod for callers that must not depend on
// Kubernetes API types.
type JobInfo struct {
	Name           string
	Namespace      string
	Status         JobPhase
	StartTime      *time.Time
	CompletionTime *time.Time
	PodName        string
	ExitCode       *int32
	ErrorMessage   string
}

// derivePhase maps Job conditions and counters to a phase. Conditions win
// over counters; with neither, an active pod means running.
func derivePhase(job *batchv1.Job) JobPhase {
	for _, condition := range job.Status.Conditions {
		if condition.Status != corev1.ConditionTrue {
			continue
		}
		switch condition.Type {
		case batchv1.JobComplete:
			return PhaseSucceeded
		case batchv1.JobFailed:
			return PhaseFailed
		}
	}

	switch {
	case job.Status.Active > 0:
		return PhaseRunning
	case job.Status.Succeeded > 0:
		return PhaseSucceeded
	case job.Status.Failed > 0:
		return PhaseFailed
	default:
		return PhasePending
	}
}

func (p JobPhase) BuildStatus() types.BuildJobStatus {
	switch p {
	case PhaseRunning:
		return types.BuildRunning
	case PhaseSucceeded:
		return types.BuildSucceeded
	case PhaseFailed:
		return types.BuildFailed
	default:
		return types.BuildPending
	}
}

// podTermination extracts the first container's terminated state, if any.
func podTermination(pod *corev1.Pod) (exitCode *int32, reason, message string) {
	if pod == nil || len(pod.Status.ContainerStatuses) == 0 {
		return nil, "", ""
	}
	term := pod.Status.ContainerStatuses[0].State.Terminated
	if term == nil {
		return nil, "", ""
	}
	code := term.ExitCode
	return &code, term.Reason, term.Message
}

func jobTimes(job *batchv1.Job) (start, completion *time.Time) {
	if job.Status.StartTime != nil {
		t := job.Status.StartTime.Time
		start = &t
	}
	if job.Status.CompletionTime != nil {
		t := job.Status.CompletionTime.Time
		completion = &t
	}
	return start, completion
}
