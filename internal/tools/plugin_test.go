package tools

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePlugin(t *testing.T, dir, name, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("plugin discovery shells out to a POSIX executable")
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestDiscoverPluginsRegistersExecutableWithManifest(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "echoer", "#!/bin/sh\n"+
		`if [ -z "$CHIBI_TOOL_NAME" ]; then
  echo '{"name":"echoer","description":"echoes input","parameters":{}}'
else
  echo "got:$CHIBI_TOOL_ARGS"
fi
`)

	r := NewRegistry(nil)
	require.NoError(t, DiscoverPlugins(r, dir, false))

	tool, ok := r.Get("echoer")
	require.True(t, ok)
	assert.Equal(t, "echoes input", tool.Description)
	assert.Equal(t, OriginPlugin, tool.Origin)

	res, err := r.Execute(context.Background(), "echoer", "hello")
	require.NoError(t, err)
	assert.Equal(t, "got:hello\n", res.Text)
}

func TestDiscoverPluginsSkipsNonExecutableFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644))

	r := NewRegistry(nil)
	require.NoError(t, DiscoverPlugins(r, dir, false))
	assert.Empty(t, r.All())
}

func TestDiscoverPluginsSkipsBrokenManifest(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "broken", "#!/bin/sh\necho 'not json'\n")

	r := NewRegistry(nil)
	require.NoError(t, DiscoverPlugins(r, dir, false))
	assert.Empty(t, r.All())
}

func TestDiscoverPluginsMissingDirIsNotFatal(t *testing.T) {
	r := NewRegistry(nil)
	err := DiscoverPlugins(r, filepath.Join(t.TempDir(), "absent"), false)
	assert.NoError(t, err)
}
