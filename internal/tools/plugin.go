package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/chibi-run/chibi/internal/errs"
)

// pluginManifest is the minimal self-description a plugin executable
// must print when invoked with CHIBI_TOOL_NAME unset: its name,
// description, and JSON parameter schema. The plugin ABI proper is
// treated opaquely; this manifest convention is the one
// piece chibi needs to build a tool definition at all.
type pluginManifest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// DiscoverPlugins scans dir for executables and registers one Tool per
// plugin, generalizing an os/exec shell-out pattern (host_shell_runner.go)
// into an opaque external-tool contract:
// arguments travel via CHIBI_TOOL_ARGS, the tool name via
// CHIBI_TOOL_NAME, and verbosity via CHIBI_VERBOSE.
func DiscoverPlugins(r *Registry, dir string, verbose bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Wrap(errs.Io, "tools.DiscoverPlugins", "readdir", err)
	}

	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		info, err := de.Info()
		if err != nil || info.Mode()&0o111 == 0 {
			continue
		}
		path := filepath.Join(dir, de.Name())

		manifest, err := describePlugin(path, verbose)
		if err != nil {
			continue // a broken plugin is skipped, not fatal to startup
		}

		pathCopy := path
		r.Add(&Tool{
			Name:        manifest.Name,
			Description: manifest.Description,
			Parameters:  manifest.Parameters,
			Origin:      OriginPlugin,
			Invoke: func(ctx context.Context, arguments string) (Result, error) {
				return invokePlugin(ctx, pathCopy, manifest.Name, arguments, verbose)
			},
		})
	}
	return nil
}

func describePlugin(path string, verbose bool) (pluginManifest, error) {
	cmd := exec.Command(path)
	cmd.Env = append(os.Environ(), boolEnv("CHIBI_VERBOSE", verbose))
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return pluginManifest{}, err
	}
	var m pluginManifest
	if err := json.Unmarshal(stdout.Bytes(), &m); err != nil {
		return pluginManifest{}, err
	}
	return m, nil
}

func invokePlugin(ctx context.Context, path, name, arguments string, verbose bool) (Result, error) {
	cmd := exec.CommandContext(ctx, path)
	cmd.Env = append(os.Environ(),
		"CHIBI_TOOL_NAME="+name,
		"CHIBI_TOOL_ARGS="+arguments,
		boolEnv("CHIBI_VERBOSE", verbose),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Result{}, errs.Wrap(errs.Io, "tools.invokePlugin", "exec "+name, err)
	}
	return Result{Text: stdout.String()}, nil
}

func boolEnv(key string, v bool) string {
	if v {
		return key + "=1"
	}
	return key + "=0"
}
