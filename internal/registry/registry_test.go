package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chibi-run/chibi/internal/home"
)

func newLayout(t *testing.T) home.Layout {
	t.Helper()
	root := t.TempDir()
	layout := home.NewLayout(root)
	require.NoError(t, os.MkdirAll(layout.Contexts, 0o755))
	return layout
}

func TestLoadRegistersOrphanDirectories(t *testing.T) {
	layout := newLayout(t)
	require.NoError(t, os.MkdirAll(layout.ContextDir("default"), 0o755))

	r, err := Load(layout, 1000)
	require.NoError(t, err)

	rec, ok := r.Get("default")
	require.True(t, ok)
	assert.Equal(t, int64(1000), rec.CreatedAt)
}

func TestLoadDropsEntriesForMissingDirectories(t *testing.T) {
	layout := newLayout(t)
	require.NoError(t, os.MkdirAll(layout.ContextDir("real"), 0o755))

	r, err := Load(layout, 1)
	require.NoError(t, err)
	require.NoError(t, r.Touch("ghost", 1, nil, nil))

	r2, err := Load(layout, 2)
	require.NoError(t, err)
	_, ok := r2.Get("ghost")
	assert.False(t, ok)
	_, ok = r2.Get("real")
	assert.True(t, ok)
}

func TestAutoDestroyExpiredByDestroyAt(t *testing.T) {
	layout := newLayout(t)
	require.NoError(t, os.MkdirAll(layout.ContextDir("stale"), 0o755))

	r, err := Load(layout, 1)
	require.NoError(t, err)
	destroyAt := int64(50)
	require.NoError(t, r.Touch("stale", 1, &destroyAt, nil))

	n, err := r.AutoDestroyExpired(100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := r.Get("stale")
	assert.False(t, ok)
	_, err = os.Stat(layout.ContextDir("stale"))
	assert.True(t, os.IsNotExist(err))
}

func TestAutoDestroyExpiredByInactivity(t *testing.T) {
	layout := newLayout(t)
	require.NoError(t, os.MkdirAll(layout.ContextDir("idle"), 0o755))

	r, err := Load(layout, 1)
	require.NoError(t, err)
	inactive := int64(10)
	require.NoError(t, r.Touch("idle", 5, nil, &inactive))

	n, err := r.AutoDestroyExpired(20)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTouchPersistsAcrossLoad(t *testing.T) {
	layout := newLayout(t)
	require.NoError(t, os.MkdirAll(layout.ContextDir("c1"), 0o755))

	r, err := Load(layout, 1)
	require.NoError(t, err)
	require.NoError(t, r.Touch("c1", 42, nil, nil))

	data, err := os.ReadFile(filepath.Join(layout.State))
	require.NoError(t, err)
	assert.Contains(t, string(data), "\"last_activity_at\": 42")
}

func TestListSortedByName(t *testing.T) {
	layout := newLayout(t)
	require.NoError(t, os.MkdirAll(layout.ContextDir("bravo"), 0o755))
	require.NoError(t, os.MkdirAll(layout.ContextDir("alpha"), 0o755))

	r, err := Load(layout, 1)
	require.NoError(t, err)
	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "bravo", list[1].Name)
}

func TestRemove(t *testing.T) {
	layout := newLayout(t)
	require.NoError(t, os.MkdirAll(layout.ContextDir("gone"), 0o755))

	r, err := Load(layout, 1)
	require.NoError(t, err)
	require.NoError(t, r.Remove("gone"))
	_, ok := r.Get("gone")
	assert.False(t, ok)
}
