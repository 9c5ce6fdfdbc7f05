package safeio

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicReplaceCreatesAndOverwrites(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "nested", "file.txt")

	require.NoError(t, AtomicReplace(target, []byte("first")))
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	require.NoError(t, AtomicReplace(target, []byte("second")))
	data, err = os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(filepath.Dir(target))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no leftover temp files")
}

func TestAppendLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")

	require.NoError(t, AppendLines(path, []byte("a\n"), []byte("b\n")))
	require.NoError(t, AppendLines(path, []byte("c\n")))

	lines, err := ReadAllLines(path)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, "a", string(lines[0]))
	assert.Equal(t, "b", string(lines[1]))
	assert.Equal(t, "c", string(lines[2]))
}

func TestReadAllLinesMissingFile(t *testing.T) {
	lines, err := ReadAllLines(filepath.Join(t.TempDir(), "absent.jsonl"))
	require.NoError(t, err)
	assert.Nil(t, lines)
}

func TestWithLockSerializesConcurrentAppends(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, ".lock")
	dataPath := filepath.Join(dir, "data.jsonl")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = WithLock(lockPath, func() error {
				return AppendLines(dataPath, []byte("x\n"))
			})
		}()
	}
	wg.Wait()

	lines, err := ReadAllLines(dataPath)
	require.NoError(t, err)
	assert.Len(t, lines, 20)
}

func TestWithLockReleasesOnError(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, ".lock")

	sentinel := assert.AnError
	err := WithLock(lockPath, func() error { return sentinel })
	assert.ErrorIs(t, err, sentinel)

	// The lock must have been released; a second acquisition should not block.
	l, err := Acquire(lockPath)
	require.NoError(t, err)
	require.NoError(t, l.Release())
}
