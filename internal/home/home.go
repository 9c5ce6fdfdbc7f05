// Package home computes the on-disk layout of a chibi installation and of
// a single context directory.
package home

import (
	"os"
	"path/filepath"
)

// Dir resolves the installation root: $CHIBI_HOME, or ~/.chibi.
func Dir() (string, error) {
	if v := os.Getenv("CHIBI_HOME"); v != "" {
		return v, nil
	}
	hd, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(hd, ".chibi"), nil
}

// Layout is every path derived from an installation root.
type Layout struct {
	Root        string
	Config      string
	Models      string
	State       string
	Contexts    string
	Prompts     string
	Plugins     string
}

// NewLayout builds a Layout rooted at root.
func NewLayout(root string) Layout {
	return Layout{
		Root:     root,
		Config:   filepath.Join(root, "config.toml"),
		Models:   filepath.Join(root, "models.toml"),
		State:    filepath.Join(root, "state.json"),
		Contexts: filepath.Join(root, "contexts"),
		Prompts:  filepath.Join(root, "prompts"),
		Plugins:  filepath.Join(root, "plugins"),
	}
}

// ContextDir returns the directory for a named context.
func (l Layout) ContextDir(name string) string {
	return filepath.Join(l.Contexts, name)
}

// Context is every path inside one context directory.
type Context struct {
	Root           string
	TranscriptDir  string
	WindowFile     string
	MetaFile       string
	SystemPrompt   string
	Summary        string
	Todos          string
	Goals          string
	Reflection     string
	InboxFile      string
	InboxLock      string
	DirtyFile      string
	CacheDir       string
	TranscriptMD   string
	RequestLog     string
	ResponseMeta   string
}

// NewContext builds the Context layout for a context directory root.
func NewContext(dir string) Context {
	return Context{
		Root:          dir,
		TranscriptDir: filepath.Join(dir, "transcript"),
		WindowFile:    filepath.Join(dir, "context.jsonl"),
		MetaFile:      filepath.Join(dir, "context_meta.json"),
		SystemPrompt:  filepath.Join(dir, "system_prompt.md"),
		Summary:       filepath.Join(dir, "summary.md"),
		Todos:         filepath.Join(dir, "todos.md"),
		Goals:         filepath.Join(dir, "goals.md"),
		Reflection:    filepath.Join(dir, "reflection.md"),
		InboxFile:     filepath.Join(dir, "inbox.jsonl"),
		InboxLock:     filepath.Join(dir, ".inbox.lock"),
		DirtyFile:     filepath.Join(dir, ".dirty"),
		CacheDir:      filepath.Join(dir, "tool_cache"),
		TranscriptMD:  filepath.Join(dir, "transcript.md"),
		RequestLog:    filepath.Join(dir, "requests.jsonl"),
		ResponseMeta:  filepath.Join(dir, "response_meta.jsonl"),
	}
}

// EnsureDirs creates every directory the context layout needs.
func (c Context) EnsureDirs() error {
	for _, d := range []string{c.Root, c.TranscriptDir, filepath.Join(c.TranscriptDir, "partitions"), c.CacheDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}
