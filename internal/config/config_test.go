package config

import (
	"testing"

	koanf "github.com/knadh/koanf/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveAppliesDefaults(t *testing.T) {
	out, err := Resolve(true, Layer{Name: "defaults", K: Defaults()})
	require.NoError(t, err)
	assert.EqualValues(t, 200000, out.ContextWindowLimit)
	assert.True(t, out.AutoCompact)
	assert.Equal(t, "call_user", out.FallbackTool)
	assert.EqualValues(t, 1000, out.Storage.MaxEntries)
}

func TestResolveLaterLayersWin(t *testing.T) {
	global := koanf.New(".")
	require.NoError(t, global.Load(mapProvider(map[string]any{"model": "gpt-4"}), nil))

	local := koanf.New(".")
	require.NoError(t, local.Load(mapProvider(map[string]any{"model": "claude-3"}), nil))

	out, err := Resolve(true,
		Layer{Name: "defaults", K: Defaults()},
		Layer{Name: "global", K: global},
		Layer{Name: "local", K: local},
	)
	require.NoError(t, err)
	assert.Equal(t, "claude-3", out.Model)
}

func TestResolveSkipsNilLayers(t *testing.T) {
	out, err := Resolve(true, Layer{Name: "defaults", K: Defaults()}, Layer{Name: "missing", K: nil})
	require.NoError(t, err)
	assert.EqualValues(t, 200000, out.ContextWindowLimit)
}

func TestResolveForcesNoToolCallsWhenUnsupported(t *testing.T) {
	out, err := Resolve(false, Layer{Name: "defaults", K: Defaults()})
	require.NoError(t, err)
	assert.True(t, out.NoToolCalls)
}

func TestResolveMergesNestedAPIOptions(t *testing.T) {
	k := koanf.New(".")
	require.NoError(t, k.Load(mapProvider(map[string]any{
		"api.temperature":   0.5,
		"api.tool_choice":   "auto",
		"tools.allow":       []string{"file_head", "file_tail"},
	}), nil))

	out, err := Resolve(true, Layer{Name: "defaults", K: Defaults()}, Layer{Name: "k", K: k})
	require.NoError(t, err)
	require.NotNil(t, out.API.Temperature)
	assert.InDelta(t, 0.5, *out.API.Temperature, 0.0001)
	assert.Equal(t, "auto", out.API.ToolChoice)
	assert.Equal(t, []string{"file_head", "file_tail"}, out.Tools.Allow)
}

func TestUnflattenNestsDottedKeys(t *testing.T) {
	got := unflatten(map[string]any{"a.b.c": 1, "a.b.d": 2, "x": 3})
	a, ok := got["a"].(map[string]any)
	require.True(t, ok)
	b, ok := a["b"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1, b["c"])
	assert.Equal(t, 2, b["d"])
	assert.Equal(t, 3, got["x"])
}
