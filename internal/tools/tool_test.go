package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(name string) *Tool {
	return &Tool{
		Name: name,
		Invoke: func(ctx context.Context, arguments string) (Result, error) {
			return Result{Text: "echo:" + arguments}, nil
		},
	}
}

func TestRegistryAddPreservesDiscoveryOrder(t *testing.T) {
	r := NewRegistry(nil)
	r.Add(echoTool("b"))
	r.Add(echoTool("a"))
	r.Add(echoTool("c"))

	names := make([]string, 0, 3)
	for _, t := range r.All() {
		names = append(names, t.Name)
	}
	assert.Equal(t, []string{"b", "a", "c"}, names)
}

func TestRegistryAddOverwritesWithoutDuplicatingOrder(t *testing.T) {
	r := NewRegistry(nil)
	r.Add(echoTool("a"))
	r.Add(echoTool("a"))
	assert.Len(t, r.All(), 1)
}

func TestRegistryFilterAllowList(t *testing.T) {
	r := NewRegistry(nil)
	r.Add(echoTool("a"))
	r.Add(echoTool("b"))
	r.Add(echoTool("c"))

	filtered := r.Filter([]string{"a", "c"}, nil)
	require.Len(t, filtered, 2)
	assert.Equal(t, "a", filtered[0].Name)
	assert.Equal(t, "c", filtered[1].Name)
}

func TestRegistryFilterDenyList(t *testing.T) {
	r := NewRegistry(nil)
	r.Add(echoTool("a"))
	r.Add(echoTool("b"))

	filtered := r.Filter(nil, []string{"b"})
	require.Len(t, filtered, 1)
	assert.Equal(t, "a", filtered[0].Name)
}

func TestExecuteUnknownToolReturnsNotFound(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Execute(context.Background(), "missing", "{}")
	assert.Error(t, err)
}

func TestExecuteRunsHooksAroundInvocation(t *testing.T) {
	hooks := NewHookSet()
	var preSeen, postSeen string
	hooks.Register(&Hook{Point: PreTool, Name: "rewrite", Run: func(rec Record) Outcome {
		preSeen = rec.Arguments
		return Outcome{Arguments: "rewritten"}
	}})
	hooks.Register(&Hook{Point: PostTool, Name: "observe", Run: func(rec Record) Outcome {
		postSeen = rec.Result.Text
		return Outcome{}
	}})

	r := NewRegistry(hooks)
	r.Add(echoTool("echo"))

	res, err := r.Execute(context.Background(), "echo", "original")
	require.NoError(t, err)
	assert.Equal(t, "original", preSeen)
	assert.Equal(t, "echo:rewritten", res.Text)
	assert.Equal(t, "echo:rewritten", postSeen)
}

func TestExecuteBlockedByPreToolHook(t *testing.T) {
	hooks := NewHookSet()
	hooks.Register(&Hook{Point: PreTool, Name: "block", Run: func(rec Record) Outcome {
		return Outcome{Block: true, Message: "denied"}
	}})

	r := NewRegistry(hooks)
	called := false
	r.Add(&Tool{Name: "x", Invoke: func(ctx context.Context, arguments string) (Result, error) {
		called = true
		return Result{}, nil
	}})

	res, err := r.Execute(context.Background(), "x", "{}")
	require.NoError(t, err)
	assert.Equal(t, "denied", res.Text)
	assert.False(t, called, "blocked tool invocation never runs")
}
