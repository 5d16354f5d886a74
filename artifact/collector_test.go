package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mellea-ai/mellea-platform/controlplane/errs"
	"github.com/mellea-ai/mellea-platform/controlplane/store"
	"github.com/mellea-ai/mellea-platform/controlplane/types"
)

func newCollector(t *testing.T) *Collector {
	t.Helper()
	dir := t.TempDir()
	artifacts, err := store.Open[types.Artifact](dir, "artifacts.json", "artifacts")
	require.NoError(t, err)
	usage, err := store.Open[types.ArtifactUsage](dir, "artifact_usage.json", "artifact_usage")
	require.NoError(t, err)
	return NewCollector(artifacts, usage, filepath.Join(dir, "artifacts"), 1, 30)
}

func quotas(maxMB int64) types.UserQuotas {
	return types.UserQuotas{MaxStorageMB: maxMB}
}

func TestCollectFromBytes(t *testing.T) {
	c := newCollector(t)
	content := []byte("hello artifacts")

	art, err := c.Collect(CollectRequest{
		RunID:   "run-1",
		OwnerID: "user-1",
		Name:    "result.json",
		Content: content,
		Tags:    []string{"output"},
	}, quotas(10))
	require.NoError(t, err)

	assert.Equal(t, int64(len(content)), art.SizeBytes)
	assert.Equal(t, filepath.Join("run-1", art.ID, "result.json"), art.StoragePath)
	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), art.Checksum)
	require.NotNil(t, art.ExpiresAt)
	assert.WithinDuration(t, time.Now().UTC().AddDate(0, 0, 30), *art.ExpiresAt, time.Minute)

	stored, err := c.GetContent(art.ID)
	require.NoError(t, err)
	assert.Equal(t, content, stored)

	usage := c.GetUserUsage("user-1")
	assert.Equal(t, int64(len(content)), usage.TotalBytes)
	assert.Equal(t, 1, usage.ArtifactCount)
}

func TestCollectFromFile(t *testing.T) {
	c := newCollector(t)
	src := filepath.Join(t.TempDir(), "model.txt")
	require.NoError(t, os.WriteFile(src, []byte("weights"), 0644))

	art, err := c.Collect(CollectRequest{
		RunID:      "run-1",
		OwnerID:    "user-1",
		Name:       "model.txt",
		SourcePath: src,
	}, quotas(10))
	require.NoError(t, err)
	assert.Equal(t, int64(len("weights")), art.SizeBytes)

	path, err := c.GetPath(art.ID)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))
}

func TestCollectZeroRetentionIsPermanent(t *testing.T) {
	c := newCollector(t)
	zero := 0
	art, err := c.Collect(CollectRequest{
		RunID: "run-1", OwnerID: "user-1", Name: "keep.txt",
		Content: []byte("x"), RetentionDays: &zero,
	}, quotas(10))
	require.NoError(t, err)
	assert.Nil(t, art.ExpiresAt)
}

func TestSingleFileLimit(t *testing.T) {
	c := newCollector(t) // limit is 1 MiB
	big := make([]byte, mib+1)

	_, err := c.Collect(CollectRequest{
		RunID: "run-1", OwnerID: "user-1", Name: "huge.bin", Content: big,
	}, quotas(100))
	assert.True(t, errs.IsKind(err, errs.KindArtifactTooLarge))
}

// Quota boundary: a fill to exactly the limit succeeds, one byte over fails,
// and deletion frees the quota again.
func TestQuotaBoundary(t *testing.T) {
	c := newCollector(t)
	q := quotas(1) // 1 MiB total

	half := make([]byte, mib/2)
	first, err := c.Collect(CollectRequest{RunID: "r", OwnerID: "u", Name: "a.bin", Content: half}, q)
	require.NoError(t, err)

	_, err = c.Collect(CollectRequest{RunID: "r", OwnerID: "u", Name: "b.bin", Content: half}, q)
	require.NoError(t, err)

	_, err = c.Collect(CollectRequest{RunID: "r", OwnerID: "u", Name: "c.bin", Content: []byte{1}}, q)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindQuotaExceeded))

	var qe *errs.Error
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, int64(mib), qe.Context["current_usage"])
	assert.Equal(t, int64(mib), qe.Context["quota_limit"])
	assert.Equal(t, int64(1), qe.Context["requested"])

	require.NoError(t, c.Delete(first.ID))
	_, err = c.Collect(CollectRequest{RunID: "r", OwnerID: "u", Name: "c.bin", Content: []byte{1}}, q)
	assert.NoError(t, err)
}

func TestQuotaIsPerOwner(t *testing.T) {
	c := newCollector(t)
	q := quotas(1)
	payload := make([]byte, mib)

	_, err := c.Collect(CollectRequest{RunID: "r", OwnerID: "alice", Name: "a.bin", Content: payload}, q)
	require.NoError(t, err)
	_, err = c.Collect(CollectRequest{RunID: "r", OwnerID: "bob", Name: "b.bin", Content: payload}, q)
	assert.NoError(t, err)
}

func TestListFilters(t *testing.T) {
	c := newCollector(t)
	mk := func(owner, run, typ string, tags ...string) types.Artifact {
		art, err := c.Collect(CollectRequest{
			RunID: run, OwnerID: owner, Name: "f.txt", Content: []byte("x"),
			ArtifactType: typ, Tags: tags,
		}, quotas(10))
		require.NoError(t, err)
		return art
	}

	a := mk("alice", "run-1", "log", "debug", "verbose")
	mk("alice", "run-2", "model", "final")
	mk("bob", "run-1", "log", "debug")

	assert.Len(t, c.List(ListFilter{}), 3)
	assert.Len(t, c.List(ListFilter{OwnerID: "alice"}), 2)
	assert.Len(t, c.List(ListFilter{RunID: "run-1"}), 2)
	assert.Len(t, c.List(ListFilter{OwnerID: "alice", RunID: "run-1"}), 1)
	assert.Len(t, c.List(ListFilter{ArtifactType: "model"}), 1)

	// every listed tag must be present
	both := c.List(ListFilter{Tags: []string{"debug", "verbose"}})
	require.Len(t, both, 1)
	assert.Equal(t, a.ID, both[0].ID)
	assert.Len(t, c.List(ListFilter{Tags: []string{"debug"}}), 2)
	assert.Empty(t, c.List(ListFilter{Tags: []string{"debug", "final"}}))
}

func TestDeleteRemovesContentAndMetadata(t *testing.T) {
	c := newCollector(t)
	art, err := c.Collect(CollectRequest{RunID: "r", OwnerID: "u", Name: "f.txt", Content: []byte("x")}, quotas(10))
	require.NoError(t, err)
	path, err := c.GetPath(art.ID)
	require.NoError(t, err)

	require.NoError(t, c.Delete(art.ID))

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
	_, err = c.Get(art.ID)
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
	assert.Equal(t, int64(0), c.GetUserUsage("u").TotalBytes)
}

func TestDeleteForRun(t *testing.T) {
	c := newCollector(t)
	for _, name := range []string{"a.txt", "b.txt"} {
		_, err := c.Collect(CollectRequest{RunID: "run-1", OwnerID: "u", Name: name, Content: []byte("x")}, quotas(10))
		require.NoError(t, err)
	}
	keep, err := c.Collect(CollectRequest{RunID: "run-2", OwnerID: "u", Name: "c.txt", Content: []byte("x")}, quotas(10))
	require.NoError(t, err)

	deleted, err := c.DeleteForRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	assert.Empty(t, c.List(ListFilter{RunID: "run-1"}))
	_, err = c.Get(keep.ID)
	assert.NoError(t, err)
	_, statErr := os.Stat(filepath.Join(c.root, "run-1"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRecalculateUserUsage(t *testing.T) {
	c := newCollector(t)
	_, err := c.Collect(CollectRequest{RunID: "r", OwnerID: "u", Name: "a.txt", Content: []byte("abcd")}, quotas(10))
	require.NoError(t, err)

	// corrupt the tracked usage, then reconcile
	require.NoError(t, c.usage.Upsert(types.ArtifactUsage{OwnerID: "u", TotalBytes: 999999, ArtifactCount: 42}))

	usage, err := c.RecalculateUserUsage("u")
	require.NoError(t, err)
	assert.Equal(t, int64(4), usage.TotalBytes)
	assert.Equal(t, 1, usage.ArtifactCount)
}

func TestCleanupExpired(t *testing.T) {
	c := newCollector(t)
	art, err := c.Collect(CollectRequest{RunID: "r", OwnerID: "u", Name: "old.txt", Content: []byte("x")}, quotas(10))
	require.NoError(t, err)
	zero := 0
	_, err = c.Collect(CollectRequest{RunID: "r", OwnerID: "u", Name: "keep.txt", Content: []byte("y"), RetentionDays: &zero}, quotas(10))
	require.NoError(t, err)

	// backdate the expiry
	past := time.Now().UTC().Add(-time.Hour)
	art.ExpiresAt = &past
	require.NoError(t, c.artifacts.Update(art.ID, art))

	deleted, err := c.CleanupExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Len(t, c.List(ListFilter{}), 1)
}

func TestUsageClampOnDoubleDecrement(t *testing.T) {
	c := newCollector(t)
	art, err := c.Collect(CollectRequest{RunID: "r", OwnerID: "u", Name: "f.txt", Content: []byte("x")}, quotas(10))
	require.NoError(t, err)

	// usage already drained out-of-band
	require.NoError(t, c.usage.Upsert(types.ArtifactUsage{OwnerID: "u"}))
	require.NoError(t, c.Delete(art.ID))

	usage := c.GetUserUsage("u")
	assert.Equal(t, int64(0), usage.TotalBytes)
	assert.Equal(t, 0, usage.ArtifactCount)
}
