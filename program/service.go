// Package program manages the control plane's view of user programs. The
// external facade owns program creation; this service updates build status
// and run recency, and answers popularity queries for the warmup controller.
package program

import (
	"sort"
	"time"

	"github.com/mellea-ai/mellea-platform/controlplane/store"
	"github.com/mellea-ai/mellea-platform/controlplane/types"
)

type Service struct {
	programs *store.Collection[types.ProgramAsset]
}

func NewService(programs *store.Collection[types.ProgramAsset]) *Service {
	return &Service{programs: programs}
}

func (s *Service) Get(id string) (types.ProgramAsset, error) {
	return s.programs.Get(id)
}

func (s *Service) Create(p types.ProgramAsset) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.ImageBuildStatus == "" {
		p.ImageBuildStatus = types.ImageBuildPending
	}
	return s.programs.Create(p)
}

// List returns every program ordered by last_run_at descending; programs
// that never ran sort last by created_at descending.
func (s *Service) List() []types.ProgramAsset {
	all := s.programs.ListAll()
	sort.SliceStable(all, func(i, j int) bool {
		li, lj := all[i].LastRunAt, all[j].LastRunAt
		switch {
		case li != nil && lj != nil:
			return li.After(*lj)
		case li != nil:
			return true
		case lj != nil:
			return false
		default:
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
	})
	return all
}

// SetImageBuildStatus records the outcome of an image build. The image tag
// is only written alongside a ready status.
func (s *Service) SetImageBuildStatus(id string, status types.ImageBuildStatus, imageTag, buildErr string) (types.ProgramAsset, error) {
	p, err := s.programs.Get(id)
	if err != nil {
		return types.ProgramAsset{}, err
	}

	p.ImageBuildStatus = status
	p.ImageBuildError = buildErr
	if status == types.ImageBuildReady && imageTag != "" {
		p.ImageTag = imageTag
	}
	p.UpdatedAt = time.Now().UTC()

	if err := s.programs.Update(id, p); err != nil {
		return types.ProgramAsset{}, err
	}
	return p, nil
}

// TouchLastRun marks the program as just-executed.
func (s *Service) TouchLastRun(id string) error {
	p, err := s.programs.Get(id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	p.LastRunAt = &now
	p.UpdatedAt = now
	return s.programs.Update(id, p)
}

func (s *Service) Delete(id string) error {
	return s.programs.Delete(id)
}
