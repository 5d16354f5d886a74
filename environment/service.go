// Package environment implements the environment lifecycle state machine.
// Transitions are serialized per environment through the service; the store
// holds the durable record.
package environment

import (
	"sync"
	"time"

	"github.com/mellea-ai/mellea-platform/controlplane/errs"
	"github.com/mellea-ai/mellea-platform/controlplane/store"
	"github.com/mellea-ai/mellea-platform/controlplane/types"
)

// validTransitions is the full transition table. Self-transitions are
// always allowed as no-ops and are not listed.
var validTransitions = map[types.EnvironmentStatus][]types.EnvironmentStatus{
	types.EnvCreating: {types.EnvReady, types.EnvFailed},
	types.EnvReady:    {types.EnvStarting, types.EnvDeleting},
	types.EnvStarting: {types.EnvRunning, types.EnvFailed},
	types.EnvRunning:  {types.EnvStopping, types.EnvFailed},
	types.EnvStopping: {types.EnvStopped},
	types.EnvStopped:  {types.EnvDeleting},
	types.EnvFailed:   {types.EnvDeleting},
	types.EnvDeleting: {},
}

func transitionAllowed(from, to types.EnvironmentStatus) bool {
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
	envs *store.Collection[types.Environment]
}

func NewService(envs *store.Collection[types.Environment]) *Service {
	return &Service{envs: envs}
}

// Create registers a new environment in CREATING.
func (s *Service) Create(programID, imageTag string, limits types.ResourceLimits) (types.Environment, error) {
	now := time.Now().UTC()
	env := types.Environment{
		ID:             store.NewID(),
		ProgramID:      programID,
		ImageTag:       imageTag,
		ResourceLimits: limits,
		Status:         types.EnvCreating,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.envs.Create(env); err != nil {
		return types.Environment{}, err
	}
	return env, nil
}

func (s *Service) Get(id string) (types.Environment, error) {
	return s.envs.Get(id)
}

func (s *Service) List() []types.Environment {
	return s.envs.ListAll()
}

// ListByStatus returns environments currently in any of the given statuses.
func (s *Service) ListByStatus(statuses ...types.EnvironmentStatus) []types.Environment {
	return s.envs.Find(func(e types.Environment) bool {
		for _, st := range statuses {
			if e.Status == st {
				return true
			}
		}
		return false
	})
}

// ListByProgram returns environments bound to programID.
func (s *Service) ListByProgram(programID string) []types.Environment {
	return s.envs.Find(func(e types.Environment) bool {
		return e.ProgramID == programID
	})
}

// UpdateOptions carry the optional fields written alongside a transition.
type UpdateOptions struct {
	ErrorMessage string
	ContainerID  string
}

// UpdateStatus validates and applies a transition. Entering RUNNING sets
// started_at, entering STOPPED sets stopped_at, entering FAILED records the
// error message.
func (s *Service) UpdateStatus(id string, target types.EnvironmentStatus, opts UpdateOptions) (types.Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateStatusLocked(id, target, opts)
}

func (s *Service) updateStatusLocked(id string, target types.EnvironmentStatus, opts UpdateOptions) (types.Environment, error) {
	env, err := s.envs.Get(id)
	if err != nil {
		return types.Environment{}, err
	}
	if !transitionAllowed(env.Status, target) {
		return types.Environment{}, errs.InvalidTransition("environment", id, string(env.Status), string(target))
	}
	if env.Status == target {
		return env, nil
	}

	now := time.Now().UTC()
	env.Status = target
	env.UpdatedAt = now
	if opts.ContainerID != "" {
		env.ContainerID = opts.ContainerID
	}
	switch target {
	case types.EnvRunning:
		env.StartedAt = &now
	case types.EnvStopped:
		env.StoppedAt = &now
	case types.EnvFailed:
		env.ErrorMessage = opts.ErrorMessage
	}

	if err := s.envs.Update(id, env); err != nil {
		return types.Environment{}, err
	}
	return env, nil
}

// Delete transitions the environment to DELETING and removes it from the
// store. The transition check is what rejects deleting a live environment.
func (s *Service) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.updateStatusLocked(id, types.EnvDeleting, UpdateOptions{}); err != nil {
		return err
	}
	return s.envs.Delete(id)
}
