// Package run owns the logical run lifecycle. The cluster is the system of
// record for Job liveness; this service is the system of record for run
// status, reconciled by the executor's periodic sync.
package run

import (
	"sync"
	"time"

	"github.com/mellea-ai/mellea-platform/controlplane/errs"
	"github.com/mellea-ai/mellea-platform/controlplane/store"
	"github.com/mellea-ai/mellea-platform/controlplane/types"
)

// QUEUED → FAILED covers submissions rejected before the run ever starts,
// e.g. an environment with no built image.
var validTransitions = map[types.RunStatus][]types.RunStatus{
	types.RunQueued:   {types.RunStarting, types.RunFailed, types.RunCancelled},
	types.RunStarting: {types.RunRunning, types.RunFailed, types.RunCancelled},
	types.RunRunning:  {types.RunSucceeded, types.RunFailed, types.RunCancelled},
}

func transitionAllowed(from, to types.RunStatus) bool {
	if from == to {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Service struct {
	mu   sync.Mutex
	runs *store.Collection[types.Run]
}

func NewService(runs *store.Collection[types.Run]) *Service {
	return &Service{runs: runs}
}

// Create registers a new run in QUEUED.
func (s *Service) Create(environmentID, programID string, credentialIDs []string) (types.Run, error) {
	run := types.Run{
		ID:            store.NewID(),
		EnvironmentID: environmentID,
		ProgramID:     programID,
		CredentialIDs: credentialIDs,
		Status:        types.RunQueued,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.runs.Create(run); err != nil {
		return types.Run{}, err
	}
	return run, nil
}

func (s *Service) Get(id string) (types.Run, error) {
	return s.runs.Get(id)
}

func (s *Service) List() []types.Run {
	return s.runs.ListAll()
}

// ListByEnvironment returns every run for an environment.
func (s *Service) ListByEnvironment(environmentID string) []types.Run {
	return s.runs.Find(func(r types.Run) bool {
		return r.EnvironmentID == environmentID
	})
}

// mutation applies optional fields during a transition.
type mutation func(*types.Run)

func (s *Service) transition(id string, target types.RunStatus, mutate mutation) (types.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.runs.Get(id)
	if err != nil {
		return types.Run{}, err
	}
	if run.Status == target {
		return run, nil
	}
	if !transitionAllowed(run.Status, target) {
		return types.Run{}, errs.InvalidTransition("run", id, string(run.Status), string(target))
	}

	now := time.Now().UTC()
	if run.Status == types.RunStarting && target == types.RunRunning {
		run.StartedAt = &now
	}
	if target.Terminal() {
		run.CompletedAt = &now
	}
	run.Status = target
	if mutate != nil {
		mutate(&run)
	}

	if err := s.runs.Update(id, run); err != nil {
		return types.Run{}, err
	}
	return run, nil
}

// Start moves QUEUED → STARTING, recording the tentative job name.
func (s *Service) Start(id, jobName string) (types.Run, error) {
	return s.transition(id, types.RunStarting, func(r *types.Run) {
		r.JobName = jobName
	})
}

// MarkRunning moves STARTING → RUNNING.
func (s *Service) MarkRunning(id string) (types.Run, error) {
	return s.transition(id, types.RunRunning, nil)
}

// MarkSucceeded terminates the run successfully.
func (s *Service) MarkSucceeded(id string, exitCode *int32, outputPath string) (types.Run, error) {
	return s.transition(id, types.RunSucceeded, func(r *types.Run) {
		r.ExitCode = exitCode
		r.OutputPath = outputPath
	})
}

// MarkFailed terminates the run with an error.
func (s *Service) MarkFailed(id string, exitCode *int32, errorMessage string) (types.Run, error) {
	return s.transition(id, types.RunFailed, func(r *types.Run) {
		r.ExitCode = exitCode
		r.ErrorMessage = errorMessage
	})
}

// Cancel terminates the run from any non-terminal state.
func (s *Service) Cancel(id string) (types.Run, error) {
	return s.transition(id, types.RunCancelled, nil)
}

func (s *Service) Delete(id string) error {
	return s.runs.Delete(id)
}
