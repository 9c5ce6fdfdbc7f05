package window

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/chibi-run/chibi/internal/entry"
	"github.com/chibi-run/chibi/internal/home"
	"github.com/chibi-run/chibi/internal/partition"
)

func newTestProjector(t *testing.T) (*Projector, *partition.Manager, home.Context) {
	t.Helper()
	dir := t.TempDir()
	ctx := home.NewContext(dir)
	require.NoError(t, ctx.EnsureDirs())
	mgr, err := partition.Load(ctx.TranscriptDir, partition.DefaultPolicy(), nil)
	require.NoError(t, err)
	return New(ctx, mgr, "default"), mgr, ctx
}

func TestRebuildStartsFromLastAnchor(t *testing.T) {
	p, mgr, _ := newTestProjector(t)

	require.NoError(t, mgr.Append(entry.Entry{Timestamp: 1, Content: "before anchor", EntryType: entry.TypeMessage}))
	require.NoError(t, mgr.Append(entry.Entry{Timestamp: 2, Content: "compacted", EntryType: entry.TypeCompaction}))
	require.NoError(t, mgr.Append(entry.Entry{Timestamp: 3, Content: "after anchor", EntryType: entry.TypeMessage}))

	require.NoError(t, p.Rebuild())

	win, err := p.readWindowFile()
	require.NoError(t, err)
	require.Len(t, win, 2)
	assert.Equal(t, entry.TypeCompaction, win[0].EntryType)
	assert.Equal(t, "after anchor", win[1].Content)
}

func TestRebuildDropsSystemPromptChangedEntries(t *testing.T) {
	p, mgr, _ := newTestProjector(t)
	require.NoError(t, mgr.Append(entry.Entry{Timestamp: 1, Content: "prompt v1", EntryType: entry.TypeSystemPromptChanged}))
	require.NoError(t, mgr.Append(entry.Entry{Timestamp: 2, Content: "hi", EntryType: entry.TypeMessage}))

	require.NoError(t, p.Rebuild())
	win, err := p.readWindowFile()
	require.NoError(t, err)
	require.Len(t, win, 1)
	assert.Equal(t, "hi", win[0].Content)
}

func TestWindowForRebuildsWhenDirty(t *testing.T) {
	p, mgr, _ := newTestProjector(t)
	require.NoError(t, mgr.Append(entry.Entry{Timestamp: 1, Content: "hi", EntryType: entry.TypeMessage}))
	require.NoError(t, p.MarkDirty())

	win, err := p.WindowFor()
	require.NoError(t, err)
	require.Len(t, win, 1)
	assert.False(t, p.IsDirty())
}

func TestAppendTandemAppendsToBothTranscriptAndWindow(t *testing.T) {
	p, mgr, _ := newTestProjector(t)
	require.NoError(t, p.Rebuild())
	require.NoError(t, p.MarkClean())

	e := entry.Entry{Timestamp: 1, Content: "hello", EntryType: entry.TypeMessage}
	require.NoError(t, p.AppendTandem(e))

	win, err := p.readWindowFile()
	require.NoError(t, err)
	require.Len(t, win, 1)

	all, err := mgr.ReadAllEntries()
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestToMessagesPairsToolCallsWithResults(t *testing.T) {
	win := []entry.Entry{
		{EntryType: entry.TypeMessage, From: "user", To: "default", Content: "run it"},
		{EntryType: entry.TypeToolCall, From: "default", To: "tool:echo", Content: "echo\x00{\"x\":1}", ToolCallID: "call_1"},
		{EntryType: entry.TypeToolResult, From: "tool:echo", To: "default", Content: "ok", ToolCallID: "call_1"},
		{EntryType: entry.TypeMessage, From: "default", To: "user", Content: "done"},
	}

	msgs := ToMessages("default", win)
	require.Len(t, msgs, 4)
	assert.Equal(t, llms.ChatMessageTypeHuman, msgs[0].Role)
	assert.Equal(t, llms.ChatMessageTypeAI, msgs[1].Role)
	tc, ok := msgs[1].Parts[0].(llms.ToolCall)
	require.True(t, ok)
	assert.Equal(t, "echo", tc.FunctionCall.Name)
	assert.Equal(t, "{\"x\":1}", tc.FunctionCall.Arguments)

	assert.Equal(t, llms.ChatMessageTypeTool, msgs[2].Role)
	assert.Equal(t, llms.ChatMessageTypeAI, msgs[3].Role)
}

func TestToMessagesSynthesizesMatchingIDForLegacyPair(t *testing.T) {
	win := []entry.Entry{
		{EntryType: entry.TypeToolCall, From: "default", To: "tool:echo", Content: "echo\x00{\"x\":1}"},
		{EntryType: entry.TypeToolResult, From: "tool:echo", To: "default", Content: "ok"},
	}

	msgs := ToMessages("default", win)
	require.Len(t, msgs, 2)
	tc, ok := msgs[0].Parts[0].(llms.ToolCall)
	require.True(t, ok)
	resp, ok := msgs[1].Parts[0].(llms.ToolCallResponse)
	require.True(t, ok)
	assert.Equal(t, tc.ID, resp.ToolCallID)
	assert.NotEmpty(t, tc.ID)
}

func TestToMessagesSkipsAnchorEntries(t *testing.T) {
	win := []entry.Entry{
		{EntryType: entry.TypeCompaction, Content: "summary text"},
		{EntryType: entry.TypeMessage, From: "user", To: "default", Content: "hi"},
	}
	msgs := ToMessages("default", win)
	require.Len(t, msgs, 1)
}
