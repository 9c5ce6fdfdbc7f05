package compact

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/chibi-run/chibi/internal/entry"
	"github.com/chibi-run/chibi/internal/home"
	"github.com/chibi-run/chibi/internal/llmgateway"
	"github.com/chibi-run/chibi/internal/partition"
	"github.com/chibi-run/chibi/internal/tools"
	"github.com/chibi-run/chibi/internal/window"
)

type scriptedLLM struct {
	llms.Model
	responses []string
	calls     int
}

func (m *scriptedLLM) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	idx := m.calls
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	m.calls++
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.responses[idx]}}}, nil
}

func newTestCompactor(t *testing.T, gw *llmgateway.Gateway) (*Compactor, *partition.Manager, home.Context) {
	t.Helper()
	dir := t.TempDir()
	ctx := home.NewContext(dir)
	require.NoError(t, ctx.EnsureDirs())
	mgr, err := partition.Load(ctx.TranscriptDir, partition.DefaultPolicy(), nil)
	require.NoError(t, err)
	proj := window.New(ctx, mgr, "default")
	return New(ctx, "default", mgr, proj, gw, nil), mgr, ctx
}

func seedEntries(t *testing.T, mgr *partition.Manager, n int) []entry.Entry {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, mgr.Append(entry.Entry{
			Timestamp: int64(i + 1),
			From:      "user",
			To:        "default",
			Content:   "entry content",
			EntryType: entry.TypeMessage,
		}))
	}
	all, err := mgr.ReadAllEntries()
	require.NoError(t, err)
	return all
}

func TestRollingCompactNoopBelowFourEntries(t *testing.T) {
	c, mgr, ctx := newTestCompactor(t, nil)
	win := seedEntries(t, mgr, 3)

	require.NoError(t, c.RollingCompact(context.Background(), win, 50, ""))
	_, err := os.Stat(ctx.Summary)
	assert.True(t, os.IsNotExist(err))
}

func TestRollingCompactWithoutGatewayFallsBackToOldestByTimestamp(t *testing.T) {
	c, mgr, ctx := newTestCompactor(t, nil)
	win := seedEntries(t, mgr, 5)

	require.NoError(t, c.RollingCompact(context.Background(), win, 40, "prior"))

	data, err := os.ReadFile(ctx.Summary)
	require.NoError(t, err)
	assert.Contains(t, string(data), "prior")

	all, err := mgr.ReadAllEntries()
	require.NoError(t, err)
	last := all[len(all)-1]
	assert.Equal(t, entry.TypeCompaction, last.EntryType)
}

func TestRollingCompactUsesGatewaySelectedIDs(t *testing.T) {
	dir := t.TempDir()
	ctx := home.NewContext(dir)
	require.NoError(t, ctx.EnsureDirs())
	mgr, err := partition.Load(ctx.TranscriptDir, partition.DefaultPolicy(), nil)
	require.NoError(t, err)
	proj := window.New(ctx, mgr, "default")

	win := seedEntries(t, mgr, 5)
	ids := []string{win[0].ID, win[1].ID}
	idsJSON := `["` + ids[0] + `","` + ids[1] + `"]`

	mock := &scriptedLLM{responses: []string{idsJSON, "a fresh summary"}}
	gw := llmgateway.New(mock, llmgateway.ProviderSpec{Provider: "fake"})
	c := New(ctx, "default", mgr, proj, gw, nil)

	require.NoError(t, c.RollingCompact(context.Background(), win, 40, "prior"))

	data, err := os.ReadFile(ctx.Summary)
	require.NoError(t, err)
	assert.Equal(t, "a fresh summary", string(data))
}

func TestFullCompactionWithoutGatewayWritesEmptySummary(t *testing.T) {
	c, mgr, ctx := newTestCompactor(t, nil)
	win := seedEntries(t, mgr, 3)

	require.NoError(t, c.FullCompaction(context.Background(), win, ""))

	data, err := os.ReadFile(ctx.Summary)
	require.NoError(t, err)
	assert.Equal(t, "", string(data))

	all, err := mgr.ReadAllEntries()
	require.NoError(t, err)
	assert.Equal(t, entry.TypeCompaction, all[len(all)-1].EntryType)
}

func TestFullCompactionWithGatewayAppendsAcknowledgement(t *testing.T) {
	dir := t.TempDir()
	ctx := home.NewContext(dir)
	require.NoError(t, ctx.EnsureDirs())
	mgr, err := partition.Load(ctx.TranscriptDir, partition.DefaultPolicy(), nil)
	require.NoError(t, err)
	proj := window.New(ctx, mgr, "default")
	win := seedEntries(t, mgr, 3)

	mock := &scriptedLLM{responses: []string{"the summary", "got it"}}
	gw := llmgateway.New(mock, llmgateway.ProviderSpec{Provider: "fake"})
	c := New(ctx, "default", mgr, proj, gw, nil)

	require.NoError(t, c.FullCompaction(context.Background(), win, "custom prompt"))

	data, err := os.ReadFile(ctx.Summary)
	require.NoError(t, err)
	assert.Equal(t, "the summary", string(data))

	all, err := mgr.ReadAllEntries()
	require.NoError(t, err)
	last := all[len(all)-1]
	assert.Equal(t, "got it", last.Content)
}

func TestRollingCompactSkippedWhenPreHookBlocks(t *testing.T) {
	dir := t.TempDir()
	ctx := home.NewContext(dir)
	require.NoError(t, ctx.EnsureDirs())
	mgr, err := partition.Load(ctx.TranscriptDir, partition.DefaultPolicy(), nil)
	require.NoError(t, err)
	proj := window.New(ctx, mgr, "default")
	win := seedEntries(t, mgr, 5)

	hooks := tools.NewHookSet()
	hooks.Register(&tools.Hook{Point: tools.PreRollingCompact, Name: "block", Run: func(tools.Record) tools.Outcome {
		return tools.Outcome{Block: true, Message: "not now"}
	}})
	c := New(ctx, "default", mgr, proj, nil, hooks)

	require.NoError(t, c.RollingCompact(context.Background(), win, 40, "prior"))
	_, err = os.Stat(ctx.Summary)
	assert.True(t, os.IsNotExist(err))
}

func TestFullCompactionFiresPostCompactHook(t *testing.T) {
	c, mgr, ctx := newTestCompactor(t, nil)
	win := seedEntries(t, mgr, 3)

	var sawSummary string
	hooks := tools.NewHookSet()
	hooks.Register(&tools.Hook{Point: tools.PostCompact, Name: "observe", Run: func(rec tools.Record) tools.Outcome {
		sawSummary = rec.Text
		return tools.Outcome{}
	}})
	c.hooks = hooks

	require.NoError(t, c.FullCompaction(context.Background(), win, ""))
	assert.Equal(t, "", sawSummary)
	_ = ctx
}

func TestByNameCompactionWritesTranscriptAndMarksDirty(t *testing.T) {
	c, mgr, ctx := newTestCompactor(t, nil)
	seedEntries(t, mgr, 2)

	require.NoError(t, c.ByNameCompaction())

	data, err := os.ReadFile(ctx.TranscriptMD)
	require.NoError(t, err)
	assert.Contains(t, string(data), "entry content")

	_, err = os.Stat(ctx.DirtyFile)
	assert.NoError(t, err, "ByNameCompaction marks dirty rather than rebuilding")

	all, err := mgr.ReadAllEntries()
	require.NoError(t, err)
	last := all[len(all)-1]
	assert.Equal(t, entry.TypeCompaction, last.EntryType)
	assert.Equal(t, "archived without LLM summarization", last.Metadata["summary"])
}
