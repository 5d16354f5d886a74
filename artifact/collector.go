// Package artifact stores run-produced files under the artifacts root with
// per-owner storage quotas and per-artifact expiry.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mellea-ai/mellea-platform/controlplane/constants"
	"github.com/mellea-ai/mellea-platform/controlplane/errs"
	"github.com/mellea-ai/mellea-platform/controlplane/logger"
	"github.com/mellea-ai/mellea-platform/controlplane/store"
	"github.com/mellea-ai/mellea-platform/controlplane/types"
)

const mib = int64(1024 * 1024)

type Collector struct {
	mu        sync.Mutex
	artifacts *store.Collection[types.Artifact]
	usage     *store.Collection[types.ArtifactUsage]

	root                 string
	maxSingleSizeMB      int64
	defaultRetentionDays int
}

func NewCollector(artifacts *store.Collection[types.Artifact], usage *store.Collection[types.ArtifactUsage], root string, maxSingleSizeMB int64, defaultRetentionDays int) *Collector {
	return &Collector{
		artifacts:            artifacts,
		usage:                usage,
		root:                 root,
		maxSingleSizeMB:      maxSingleSizeMB,
		defaultRetentionDays: defaultRetentionDays,
	}
}

// CollectRequest describes one artifact to store. Exactly one of SourcePath
// and Content supplies the payload.
type CollectRequest struct {
	RunID        string
	OwnerID      string
	Name         string
	SourcePath   string
	Content      []byte
	ArtifactType string
	Tags         []string
	Metadata     map[string]interface{}
	// RetentionDays nil means the configured default; 0 means permanent.
	RetentionDays *int
}

// Collect stores one artifact, enforcing the single-file limit and the
// owner's storage quota before any bytes land on disk.
func (c *Collector) Collect(req CollectRequest, quotas types.UserQuotas) (types.Artifact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	size, err := c.payloadSize(req)
	if err != nil {
		return types.Artifact{}, err
	}
	if size > c.maxSingleSizeMB*mib {
		return types.Artifact{}, errs.ArtifactTooLarge(req.Name, size, c.maxSingleSizeMB*mib)
	}

	current := c.usageFor(req.OwnerID)
	if current.TotalBytes+size > quotas.MaxStorageMB*mib {
		return types.Artifact{}, errs.QuotaExceeded(req.OwnerID, current.TotalBytes, quotas.MaxStorageMB*mib, size)
	}

	id := store.NewID()
	storagePath := filepath.Join(req.RunID, id, req.Name)
	checksum, err := c.writePayload(req, storagePath)
	if err != nil {
		return types.Artifact{}, err
	}

	now := time.Now().UTC()
	art := types.Artifact{
		ID:           id,
		RunID:        req.RunID,
		OwnerID:      req.OwnerID,
		Name:         req.Name,
		ArtifactType: req.ArtifactType,
		SizeBytes:    size,
		StoragePath:  storagePath,
		Checksum:     checksum,
		Tags:         req.Tags,
		Metadata:     req.Metadata,
		CreatedAt:    now,
	}

	retentionDays := c.defaultRetentionDays
	if req.RetentionDays != nil {
		retentionDays = *req.RetentionDays
	}
	if retentionDays > 0 {
		expires := now.AddDate(0, 0, retentionDays)
		art.ExpiresAt = &expires
	}

	if err := c.artifacts.Create(art); err != nil {
		_ = os.RemoveAll(filepath.Join(c.root, req.RunID, id))
		return types.Artifact{}, err
	}

	current.TotalBytes += size
	current.ArtifactCount++
	current.LastUpdated = now
	if err := c.usage.Upsert(current); err != nil {
		return types.Artifact{}, err
	}
	return art, nil
}

func (c *Collector) payloadSize(req CollectRequest) (int64, error) {
	if req.SourcePath != "" {
		info, err := os.Stat(req.SourcePath)
		if err != nil {
			return 0, fmt.Errorf("failed to stat artifact source %s: %w", req.SourcePath, err)
		}
		return info.Size(), nil
	}
	return int64(len(req.Content)), nil
}

// writePayload copies the payload under the artifacts root and returns its
// hex SHA-256 checksum.
func (c *Collector) writePayload(req CollectRequest, storagePath string) (string, error) {
	dest := filepath.Join(c.root, storagePath)
	if err := os.MkdirAll(filepath.Dir(dest), constants.DefaultDirPermissions); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}

	hasher := sha256.New()
	if req.SourcePath != "" {
		src, err := os.Open(req.SourcePath)
		if err != nil {
			return "", fmt.Errorf("failed to open artifact source %s: %w", req.SourcePath, err)
		}
		defer src.Close()

		out, err := os.Create(dest)
		if err != nil {
			return "", fmt.Errorf("failed to create artifact file: %w", err)
		}
		defer out.Close()

		if _, err := io.Copy(io.MultiWriter(out, hasher), src); err != nil {
			return "", fmt.Errorf("failed to copy artifact %s: %w", req.Name, err)
		}
	} else {
		hasher.Write(req.Content)
		if err := os.WriteFile(dest, req.Content, constants.DefaultFilePermissions); err != nil {
			return "", fmt.Errorf("failed to write artifact file: %w", err)
		}
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func (c *Collector) Get(id string) (types.Artifact, error) {
	return c.artifacts.Get(id)
}

// GetPath returns the absolute path of the stored content.
func (c *Collector) GetPath(id string) (string, error) {
	art, err := c.artifacts.Get(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(c.root, art.StoragePath), nil
}

// GetContent reads the stored content.
func (c *Collector) GetContent(id string) ([]byte, error) {
	path, err := c.GetPath(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFound("artifact content", id)
		}
		return nil, err
	}
	return data, nil
}

// ListFilter narrows List results; all supplied filters are ANDed, and the
// tag filter requires every listed tag.
type ListFilter struct {
	OwnerID      string
	RunID        string
	ArtifactType string
	Tags         []string
}

func (c *Collector) List(filter ListFilter) []types.Artifact {
	return c.artifacts.Find(func(a types.Artifact) bool {
		if filter.OwnerID != "" && a.OwnerID != filter.OwnerID {
			return false
		}
		if filter.RunID != "" && a.RunID != filter.RunID {
			return false
		}
		if filter.ArtifactType != "" && a.ArtifactType != filter.ArtifactType {
			return false
		}
		for _, want := range filter.Tags {
			if !hasTag(a.Tags, want) {
				return false
			}
		}
		return true
	})
}

func hasTag(tags []string, want string) bool {
	for _, tag := range tags {
		if tag == want {
			return true
		}
	}
	return false
}

// Delete removes content and metadata and releases quota.
func (c *Collector) Delete(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleteLocked(id)
}

func (c *Collector) deleteLocked(id string) error {
	art, err := c.artifacts.Get(id)
	if err != nil {
		return err
	}

	if err := os.Remove(filepath.Join(c.root, art.StoragePath)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove artifact content %s: %w", id, err)
	}
	// the per-artifact directory is now empty
	_ = os.Remove(filepath.Join(c.root, art.RunID, art.ID))

	if err := c.artifacts.Delete(id); err != nil {
		return err
	}
	c.decrementUsage(art.OwnerID, art.SizeBytes)
	return nil
}

// DeleteForRun removes every artifact of a run plus its directory tree.
func (c *Collector) DeleteForRun(runID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	arts := c.artifacts.Find(func(a types.Artifact) bool { return a.RunID == runID })
	for _, art := range arts {
		if err := c.deleteLocked(art.ID); err != nil {
			return 0, err
		}
	}
	if err := os.RemoveAll(filepath.Join(c.root, runID)); err != nil {
		return 0, fmt.Errorf("failed to remove run directory %s: %w", runID, err)
	}
	return len(arts), nil
}

// RecalculateUserUsage overwrites the owner's usage with the actual sum of
// live artifacts. Reconciliation helper for divergence.
func (c *Collector) RecalculateUserUsage(ownerID string) (types.ArtifactUsage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	usage := types.ArtifactUsage{OwnerID: ownerID, LastUpdated: time.Now().UTC()}
	for _, art := range c.artifacts.Find(func(a types.Artifact) bool { return a.OwnerID == ownerID }) {
		usage.TotalBytes += art.SizeBytes
		usage.ArtifactCount++
	}
	if err := c.usage.Upsert(usage); err != nil {
		return types.ArtifactUsage{}, err
	}
	return usage, nil
}

// GetUserUsage returns the tracked usage for an owner (zero if none).
func (c *Collector) GetUserUsage(ownerID string) types.ArtifactUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usageFor(ownerID)
}

// CleanupExpired deletes artifacts whose expiry is in the past and returns
// the count deleted.
func (c *Collector) CleanupExpired() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	expired := c.artifacts.Find(func(a types.Artifact) bool {
		return a.ExpiresAt != nil && a.ExpiresAt.Before(now)
	})

	deleted := 0
	for _, art := range expired {
		if err := c.deleteLocked(art.ID); err != nil {
			logger.Warnf("failed to delete expired artifact %s: %s", art.ID, err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

func (c *Collector) usageFor(ownerID string) types.ArtifactUsage {
	usage, err := c.usage.Get(ownerID)
	if err != nil {
		return types.ArtifactUsage{OwnerID: ownerID}
	}
	return usage
}

// decrementUsage clamps at zero: usage must never go negative even when
// metadata and content diverge.
func (c *Collector) decrementUsage(ownerID string, size int64) {
	usage := c.usageFor(ownerID)
	usage.TotalBytes -= size
	if usage.TotalBytes < 0 {
		usage.TotalBytes = 0
	}
	usage.ArtifactCount--
	if usage.ArtifactCount < 0 {
		usage.ArtifactCount = 0
	}
	usage.LastUpdated = time.Now().UTC()
	if err := c.usage.Upsert(usage); err != nil {
		logger.Warnf("failed to persist usage for %s: %s", ownerID, err)
	}
}
