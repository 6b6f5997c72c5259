package index

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tracked(path, hash string, chunks int) TrackedFile {
	return TrackedFile{
		Path:       path,
		DocHash:    hash,
		ChunkCount: chunks,
		IndexedAt:  time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
	}
}

func TestTrackerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	tr, err := NewTracker(dir)
	require.NoError(t, err)

	require.NoError(t, tr.Update("docs", []TrackedFile{
		tracked("a.go", "h1", 3),
		tracked("b.go", "h2", 1),
	}, nil))

	// A fresh tracker reads the same state back from disk.
	tr2, err := NewTracker(dir)
	require.NoError(t, err)

	got, ok, err := tr2.Get("docs", "a.go")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "h1", got.DocHash)
	assert.Equal(t, 3, got.ChunkCount)

	n, err := tr2.Count("docs")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestTrackerListSorted(t *testing.T) {
	tr, err := NewTracker(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, tr.Update("docs", []TrackedFile{
		tracked("z.go", "h", 1),
		tracked("a.go", "h", 1),
		tracked("m.go", "h", 1),
	}, nil))

	list, err := tr.List("docs")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "a.go", list[0].Path)
	assert.Equal(t, "m.go", list[1].Path)
	assert.Equal(t, "z.go", list[2].Path)
}

func TestTrackerUpdateRemovals(t *testing.T) {
	tr, err := NewTracker(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, tr.Update("docs", []TrackedFile{
		tracked("a.go", "h1", 1),
		tracked("b.go", "h2", 1),
	}, nil))

	require.NoError(t, tr.Update("docs", []TrackedFile{
		tracked("a.go", "h1b", 2),
	}, []string{"b.go"}))

	got, ok, err := tr.Get("docs", "a.go")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "h1b", got.DocHash)

	_, ok, err = tr.Get("docs", "b.go")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTrackerRetainIntersection(t *testing.T) {
	tr, err := NewTracker(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, tr.Update("docs", []TrackedFile{
		tracked("a.go", "h", 1),
		tracked("b.go", "h", 1),
		tracked("c.go", "h", 1),
	}, nil))

	// current includes a path never indexed; retain must not invent it.
	removed, err := tr.Retain("docs", []string{"a.go", "c.go", "never-indexed.go"})
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, "b.go", removed[0].Path)

	n, err := tr.Count("docs")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok, err := tr.Get("docs", "never-indexed.go")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTrackerStoresIsolated(t *testing.T) {
	tr, err := NewTracker(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, tr.Update("alpha", []TrackedFile{tracked("a.go", "h", 1)}, nil))
	require.NoError(t, tr.Update("beta", []TrackedFile{tracked("b.go", "h", 1)}, nil))

	n, err := tr.Count("alpha")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok, err := tr.Get("beta", "a.go")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTrackerDrop(t *testing.T) {
	dir := t.TempDir()
	tr, err := NewTracker(dir)
	require.NoError(t, err)
	require.NoError(t, tr.Update("docs", []TrackedFile{tracked("a.go", "h", 1)}, nil))
	require.NoError(t, tr.Drop("docs"))

	n, err := tr.Count("docs")
	require.NoError(t, err)
	assert.Zero(t, n)

	// The state file is gone from disk too.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, "docs.json", filepath.Base(e.Name()))
	}
}

func TestTrackerCorruptFileSurfaces(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docs.json"), []byte("{nope"), 0o644))

	tr, err := NewTracker(dir)
	require.NoError(t, err)
	_, err = tr.List("docs")
	assert.Error(t, err)
}
