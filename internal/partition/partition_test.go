package partition

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chibi-run/chibi/internal/entry"
)

func intPtr(v int64) *int64 { return &v }

func TestLoadInitializesEmptyManager(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(dir, DefaultPolicy(), nil)
	require.NoError(t, err)

	all, err := m.ReadAllEntries()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestAppendAndReadAllEntries(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(dir, DefaultPolicy(), nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Append(entry.Entry{
			Timestamp: int64(i),
			From:      "user",
			To:        "default",
			Content:   "msg",
			EntryType: entry.TypeMessage,
		}))
	}

	all, err := m.ReadAllEntries()
	require.NoError(t, err)
	require.Len(t, all, 3)
	for _, e := range all {
		assert.NotEmpty(t, e.ID, "Append assigns an id when blank")
	}
}

func TestRotateIfNeededByEntryCount(t *testing.T) {
	dir := t.TempDir()
	policy := Policy{MaxEntries: intPtr(2), BytesPerToken: 3}
	m, err := Load(dir, policy, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, m.Append(entry.Entry{Timestamp: int64(i), Content: "x", EntryType: entry.TypeMessage}))
	}

	rotated, err := m.RotateIfNeeded(100)
	require.NoError(t, err)
	assert.True(t, rotated)
	assert.Equal(t, int64(0), m.ActiveSnapshot().EntryCount)

	// The rotated entries remain readable from the archived partition.
	all, err := m.ReadAllEntries()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRotateIfNeededNoop(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(dir, DefaultPolicy(), nil)
	require.NoError(t, err)

	rotated, err := m.RotateIfNeeded(100)
	require.NoError(t, err)
	assert.False(t, rotated, "an empty active partition never rotates")
}

func TestReadRangeFiltersByTimestamp(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(dir, DefaultPolicy(), nil)
	require.NoError(t, err)

	for _, ts := range []int64{10, 20, 30} {
		require.NoError(t, m.Append(entry.Entry{Timestamp: ts, Content: "x", EntryType: entry.TypeMessage}))
	}

	got, err := m.ReadRange(15, 25)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(20), got[0].Timestamp)
}

func TestSearchTermListsOnlyArchivedPartitions(t *testing.T) {
	dir := t.TempDir()
	policy := DefaultPolicy()
	m, err := Load(dir, policy, nil)
	require.NoError(t, err)
	require.NoError(t, m.Append(entry.Entry{Timestamp: 1, Content: "needle here", EntryType: entry.TypeMessage}))

	candidates, err := m.SearchTerm("needle")
	require.NoError(t, err)
	// No archived partitions exist yet; the active partition is handled
	// separately by ReadAllEntries, so only archived candidates surface here.
	assert.Empty(t, candidates)
}

func TestLoadMigratesLegacyTranscript(t *testing.T) {
	ctxDir := t.TempDir()
	legacyPath := ctxDir + "/transcript.jsonl"
	e := entry.Entry{Timestamp: 1, Content: "legacy", EntryType: entry.TypeMessage, ID: "1"}
	line, err := e.Marshal()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(legacyPath, line, 0o644))

	dir := ctxDir + "/transcript"
	m, err := Load(dir, DefaultPolicy(), nil)
	require.NoError(t, err)

	all, err := m.ReadAllEntries()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "legacy", all[0].Content)
}
