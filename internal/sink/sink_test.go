package sink

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlainTextModeFormatsKnownEvents(t *testing.T) {
	var lines []string
	p := NewPlain(func(s string) { lines = append(lines, s) }, false)

	p.Handle(TextChunk{Text: "hello"})
	p.Handle(Diagnostic{Message: "careful"})
	p.Handle(ToolStart{Name: "file_head"})
	p.Handle(ToolResult{Name: "file_head", Result: "ok"})
	p.Handle(Newline{})

	assert.Equal(t, []string{
		"hello",
		"[diagnostic] careful",
		"[tool] file_head",
		"[tool result] file_head: ok",
		"",
	}, lines)
}

func TestPlainTextModeIgnoresUnformattedEvents(t *testing.T) {
	var lines []string
	p := NewPlain(func(s string) { lines = append(lines, s) }, false)

	p.Handle(StartResponse{})
	p.Handle(Finished{})
	p.Handle(AutoDestroyed{Count: 3})

	assert.Empty(t, lines)
}

func TestPlainJSONModeEmitsOneJSONObjectPerEvent(t *testing.T) {
	var lines []string
	p := NewPlain(func(s string) { lines = append(lines, s) }, true)
	assert.True(t, p.IsJSONMode())

	p.Handle(TextChunk{Text: "hi"})
	require.Len(t, lines, 1)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &decoded))
	assert.Equal(t, "hi", decoded["Text"])
}

func TestCaptureRecordsEventsVerbatim(t *testing.T) {
	c := &Capture{}
	c.Handle(ToolStart{Name: "a"})
	c.Handle(CompactionComplete{Mode: "rolling", Summary: "s"})

	require.Len(t, c.Events, 2)
	assert.Equal(t, ToolStart{Name: "a"}, c.Events[0])
	assert.Equal(t, CompactionComplete{Mode: "rolling", Summary: "s"}, c.Events[1])
	assert.False(t, c.IsJSONMode())
}
