// Package cache implements the content-addressed cache for oversized
// tool outputs (C10) and the path-confined file-tool family that reads
// from it. Path confinement is adapted from
// validatePathWithinProject: resolve symlinks, then require the real
// path to sit under one of the allowed roots.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chibi-run/chibi/internal/errs"
)

// Meta describes one cached tool output.
type Meta struct {
	ID              string `json:"id"`
	ToolName        string `json:"tool_name"`
	Timestamp       int64  `json:"timestamp"`
	CharCount       int    `json:"char_count"`
	LineCount       int    `json:"line_count"`
	EstimatedTokens int    `json:"estimated_tokens"`
}

// Store reads and writes cache entries under one context's tool_cache
// directory.
type Store struct {
	dir string
}

// New builds a Store rooted at dir (a context's CacheDir).
func New(dir string) *Store { return &Store{dir: dir} }

func (s *Store) contentPath(id string) string { return filepath.Join(s.dir, id+".cache") }
func (s *Store) metaPath(id string) string    { return filepath.Join(s.dir, id+".meta.json") }

// Put caches content above threshold chars, returning the preview text
// that should replace the tool result verbatim. If
// content is at or under threshold, it is returned unchanged and nothing
// is cached.
func (s *Store) Put(toolName, content string, threshold int64, previewChars int) (string, error) {
	if int64(len(content)) <= threshold {
		return content, nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", errs.Wrap(errs.Io, "cache.Put", "mkdir", err)
	}

	id := stableID(content)
	meta := Meta{
		ID:              id,
		ToolName:        toolName,
		Timestamp:       time.Now().Unix(),
		CharCount:       len(content),
		LineCount:       strings.Count(content, "\n") + 1,
		EstimatedTokens: len(content) / 4,
	}

	if err := os.WriteFile(s.contentPath(id), []byte(content), 0o644); err != nil {
		return "", errs.Wrap(errs.Io, "cache.Put", "write content", err)
	}
	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", errs.Wrap(errs.Io, "cache.Put", "marshal meta", err)
	}
	if err := os.WriteFile(s.metaPath(id), metaData, 0o644); err != nil {
		return "", errs.Wrap(errs.Io, "cache.Put", "write meta", err)
	}

	preview := content
	if previewChars >= 0 && previewChars < len(preview) {
		preview = preview[:previewChars]
	}
	trailer := fmt.Sprintf("[Output cached: %s] (use file_head / file_tail / file_lines / file_grep / cache_list)", id)
	return preview + "\n" + trailer, nil
}

// stableID hashes content for a reproducible cache id; falls back to a
// random uuid only if the caller wants non-deterministic ids explicitly
// via NewID.
func stableID(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:16]
}

// NewID generates a random cache id, for callers that don't want content
// hashing (e.g. tools whose output is intentionally non-reproducible).
func NewID() string { return uuid.NewString() }

// Read loads cached content by id.
func (s *Store) Read(id string) (string, error) {
	data, err := os.ReadFile(s.contentPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return "", errs.New(errs.NotFound, "cache.Read", "no cache entry "+id)
		}
		return "", errs.Wrap(errs.Io, "cache.Read", "read", err)
	}
	return string(data), nil
}

// Meta loads a cache entry's metadata.
func (s *Store) Meta(id string) (Meta, error) {
	data, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, errs.New(errs.NotFound, "cache.Meta", "no cache entry "+id)
		}
		return Meta{}, errs.Wrap(errs.Io, "cache.Meta", "read", err)
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return Meta{}, errs.Wrap(errs.Io, "cache.Meta", "unmarshal", err)
	}
	return m, nil
}

// List returns every cache entry's metadata, newest first.
func (s *Store) List() ([]Meta, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.Io, "cache.List", "readdir", err)
	}
	var out []Meta
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".meta.json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".meta.json")
		m, err := s.Meta(id)
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out, nil
}

// CleanupOlderThan removes cache entries older than maxAgeDays.
func (s *Store) CleanupOlderThan(maxAgeDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -maxAgeDays).Unix()
	metas, err := s.List()
	if err != nil {
		return 0, err
	}
	var removed int
	for _, m := range metas {
		if m.Timestamp >= cutoff {
			continue
		}
		_ = os.Remove(s.contentPath(m.ID))
		_ = os.Remove(s.metaPath(m.ID))
		removed++
	}
	return removed, nil
}

// Head returns the first n lines of a cached entry.
func (s *Store) Head(id string, n int) (string, error) {
	lines, err := s.lines(id)
	if err != nil {
		return "", err
	}
	if n > len(lines) {
		n = len(lines)
	}
	return strings.Join(lines[:n], "\n"), nil
}

// Tail returns the last n lines of a cached entry.
func (s *Store) Tail(id string, n int) (string, error) {
	lines, err := s.lines(id)
	if err != nil {
		return "", err
	}
	if n > len(lines) {
		n = len(lines)
	}
	return strings.Join(lines[len(lines)-n:], "\n"), nil
}

// Lines returns lines [from, to) (0-indexed, to exclusive) of a cached
// entry.
func (s *Store) Lines(id string, from, to int) (string, error) {
	lines, err := s.lines(id)
	if err != nil {
		return "", err
	}
	if from < 0 {
		from = 0
	}
	if to > len(lines) {
		to = len(lines)
	}
	if from >= to {
		return "", nil
	}
	return strings.Join(lines[from:to], "\n"), nil
}

// Grep returns lines of a cached entry containing substr.
func (s *Store) Grep(id, substr string) (string, error) {
	lines, err := s.lines(id)
	if err != nil {
		return "", err
	}
	var matched []string
	for _, l := range lines {
		if strings.Contains(l, substr) {
			matched = append(matched, l)
		}
	}
	return strings.Join(matched, "\n"), nil
}

func (s *Store) lines(id string) ([]string, error) {
	content, err := s.Read(id)
	if err != nil {
		return nil, err
	}
	return strings.Split(content, "\n"), nil
}

// ResolveAllowedPath canonicalizes path and requires it to sit under one
// of allowedRoots (after symlink resolution, to block traversal through a
// symlink to somewhere outside the allowlist). An empty allowedRoots
// means no filesystem path access is permitted at all — only cache_id
// access remains available.
func ResolveAllowedPath(path string, allowedRoots []string) (string, error) {
	if len(allowedRoots) == 0 {
		return "", errs.New(errs.PermissionDenied, "cache.ResolveAllowedPath", "no file_tools_allowed_paths configured")
	}
	if path == "" {
		return "", errs.New(errs.InvalidInput, "cache.ResolveAllowedPath", "path cannot be empty")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", errs.Wrap(errs.Io, "cache.ResolveAllowedPath", "resolve path", err)
	}
	absPath = filepath.Clean(absPath)

	realPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", errs.Wrap(errs.Io, "cache.ResolveAllowedPath", "eval symlinks", err)
		}
		parentReal, perr := filepath.EvalSymlinks(filepath.Dir(absPath))
		if perr != nil {
			return "", errs.Wrap(errs.Io, "cache.ResolveAllowedPath", "eval parent symlinks", perr)
		}
		realPath = filepath.Join(parentReal, filepath.Base(absPath))
	}

	for _, root := range allowedRoots {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		realRoot, err := filepath.EvalSymlinks(absRoot)
		if err != nil {
			realRoot = filepath.Clean(absRoot)
		}
		if realPath == realRoot || strings.HasPrefix(realPath, realRoot+string(filepath.Separator)) {
			return realPath, nil
		}
	}
	return "", errs.New(errs.PermissionDenied, "cache.ResolveAllowedPath", "path "+path+" is outside file_tools_allowed_paths")
}
