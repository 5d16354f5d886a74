package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mellea-ai/mellea-platform/controlplane/errs"
)

type testDoc struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

func (d testDoc) GetID() string { return d.ID }

func openTestCollection(t *testing.T) *Collection[testDoc] {
	t.Helper()
	c, err := Open[testDoc](t.TempDir(), "docs.json", "docs")
	require.NoError(t, err)
	return c
}

func TestCreateThenGetRoundTrip(t *testing.T) {
	c := openTestCollection(t)

	doc := testDoc{ID: "a1", Value: "hello"}
	require.NoError(t, c.Create(doc))

	got, err := c.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, doc, got)
}

func TestCreateDuplicateIDFails(t *testing.T) {
	c := openTestCollection(t)

	require.NoError(t, c.Create(testDoc{ID: "a1", Value: "first"}))
	err := c.Create(testDoc{ID: "a1", Value: "second"})
	assert.True(t, errs.IsKind(err, errs.KindConflict))

	got, err := c.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Value)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	c := openTestCollection(t)

	_, err := c.Get("nope")
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}

func TestUpdateReplacesDocument(t *testing.T) {
	c := openTestCollection(t)

	require.NoError(t, c.Create(testDoc{ID: "a1", Value: "old"}))
	require.NoError(t, c.Update("a1", testDoc{ID: "a1", Value: "new"}))

	got, err := c.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, "new", got.Value)
}

func TestUpdateMissingReturnsNotFound(t *testing.T) {
	c := openTestCollection(t)
	err := c.Update("nope", testDoc{ID: "nope"})
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}

func TestDeleteRemovesDocument(t *testing.T) {
	c := openTestCollection(t)

	require.NoError(t, c.Create(testDoc{ID: "a1"}))
	require.NoError(t, c.Delete("a1"))

	_, err := c.Get("a1")
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
	assert.True(t, errs.IsKind(c.Delete("a1"), errs.KindNotFound))
}

func TestListAndFindAreOrdered(t *testing.T) {
	c := openTestCollection(t)

	require.NoError(t, c.Create(testDoc{ID: "b", Value: "x"}))
	require.NoError(t, c.Create(testDoc{ID: "a", Value: "y"}))
	require.NoError(t, c.Create(testDoc{ID: "c", Value: "x"}))

	all := c.ListAll()
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "c", all[2].ID)

	xs := c.Find(func(d testDoc) bool { return d.Value == "x" })
	require.Len(t, xs, 2)
	assert.Equal(t, "b", xs[0].ID)
}

func TestPersistenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	c, err := Open[testDoc](dir, "docs.json", "docs")
	require.NoError(t, err)
	require.NoError(t, c.Create(testDoc{ID: "a1", Value: "durable"}))

	reopened, err := Open[testDoc](dir, "docs.json", "docs")
	require.NoError(t, err)
	got, err := reopened.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, "durable", got.Value)

	// file holds the documented {collection_key: [...]} shape
	data, err := os.ReadFile(filepath.Join(dir, "docs.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"docs"`)
}

func TestNewIDIsUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewID()
		assert.False(t, seen[id])
		seen[id] = true
	}
}
