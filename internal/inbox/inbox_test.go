package inbox

import (
	"os"
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

func TestSendCreatesTargetDirAndAppends(t *testing.T) {
	layout := newLayout(t)
	require.NoError(t, Send(layout, "default", "other", "hello"))

	ctx := home.NewContext(layout.ContextDir("default"))
	msgs, err := Peek(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "other", msgs[0].From)
	assert.Equal(t, "default", msgs[0].To)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.NotEmpty(t, msgs[0].ID)
}

func TestPeekDoesNotClear(t *testing.T) {
	layout := newLayout(t)
	require.NoError(t, Send(layout, "default", "a", "one"))
	ctx := home.NewContext(layout.ContextDir("default"))

	first, err := Peek(ctx)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := Peek(ctx)
	require.NoError(t, err)
	require.Len(t, second, 1)
}

func TestLoadAndClearEmptiesInbox(t *testing.T) {
	layout := newLayout(t)
	require.NoError(t, Send(layout, "default", "a", "one"))
	require.NoError(t, Send(layout, "default", "b", "two"))
	ctx := home.NewContext(layout.ContextDir("default"))

	msgs, err := LoadAndClear(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	remaining, err := Peek(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestLoadAndClearOnEmptyInbox(t *testing.T) {
	layout := newLayout(t)
	require.NoError(t, os.MkdirAll(layout.ContextDir("default"), 0o755))
	ctx := home.NewContext(layout.ContextDir("default"))

	msgs, err := LoadAndClear(ctx)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
