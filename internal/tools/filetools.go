package tools

import (
	"context"
	"encoding/json"
	"os"

	"github.com/chibi-run/chibi/internal/cache"
	"github.com/chibi-run/chibi/internal/errs"
)

// FileToolDeps wires the cache store and allowed-path configuration the
// file-tool family needs.
type FileToolDeps struct {
	Store        *cache.Store
	AllowedPaths []string
}

type fileRangeArgs struct {
	CacheID string `json:"cache_id"`
	Path    string `json:"path"`
	N       int    `json:"n"`
	From    int    `json:"from"`
	To      int    `json:"to"`
	Pattern string `json:"pattern"`
}

// resolveSource returns the cache id to read from, either directly or by
// caching the content of an allowlisted path on first access.
func (d FileToolDeps) resolveSource(a fileRangeArgs) (string, error) {
	if a.CacheID != "" {
		return a.CacheID, nil
	}
	if a.Path == "" {
		return "", errs.New(errs.InvalidInput, "filetools", "one of cache_id or path is required")
	}
	real, err := cache.ResolveAllowedPath(a.Path, d.AllowedPaths)
	if err != nil {
		return "", err
	}
	content, err := os.ReadFile(real)
	if err != nil {
		return "", errs.Wrap(errs.Io, "filetools", "read path", err)
	}
	preview, err := d.Store.Put("file_tools", string(content), 0, -1)
	if err != nil {
		return "", err
	}
	_ = preview // content is always cached in full since threshold=0
	metas, err := d.Store.List()
	if err != nil || len(metas) == 0 {
		return "", errs.New(errs.Io, "filetools", "failed to cache path content")
	}
	return metas[0].ID, nil
}

// RegisterFileTools adds file_head, file_tail, file_lines, file_grep, and
// cache_list to the registry.
func RegisterFileTools(r *Registry, deps FileToolDeps) {
	r.Add(&Tool{
		Name:        "file_head",
		Description: "Read the first N lines of a cached output or allowlisted file.",
		Origin:      OriginFile,
		Invoke: func(_ context.Context, arguments string) (Result, error) {
			var a fileRangeArgs
			if err := json.Unmarshal([]byte(arguments), &a); err != nil {
				return Result{}, errs.Wrap(errs.InvalidInput, "file_head", "decode arguments", err)
			}
			id, err := deps.resolveSource(a)
			if err != nil {
				return Result{}, err
			}
			n := a.N
			if n <= 0 {
				n = 20
			}
			out, err := deps.Store.Head(id, n)
			if err != nil {
				return Result{}, err
			}
			return Result{Text: out}, nil
		},
	})

	r.Add(&Tool{
		Name:        "file_tail",
		Description: "Read the last N lines of a cached output or allowlisted file.",
		Origin:      OriginFile,
		Invoke: func(_ context.Context, arguments string) (Result, error) {
			var a fileRangeArgs
			if err := json.Unmarshal([]byte(arguments), &a); err != nil {
				return Result{}, errs.Wrap(errs.InvalidInput, "file_tail", "decode arguments", err)
			}
			id, err := deps.resolveSource(a)
			if err != nil {
				return Result{}, err
			}
			n := a.N
			if n <= 0 {
				n = 20
			}
			out, err := deps.Store.Tail(id, n)
			if err != nil {
				return Result{}, err
			}
			return Result{Text: out}, nil
		},
	})

	r.Add(&Tool{
		Name:        "file_lines",
		Description: "Read a line range [from, to) of a cached output or allowlisted file.",
		Origin:      OriginFile,
		Invoke: func(_ context.Context, arguments string) (Result, error) {
			var a fileRangeArgs
			if err := json.Unmarshal([]byte(arguments), &a); err != nil {
				return Result{}, errs.Wrap(errs.InvalidInput, "file_lines", "decode arguments", err)
			}
			id, err := deps.resolveSource(a)
			if err != nil {
				return Result{}, err
			}
			out, err := deps.Store.Lines(id, a.From, a.To)
			if err != nil {
				return Result{}, err
			}
			return Result{Text: out}, nil
		},
	})

	r.Add(&Tool{
		Name:        "file_grep",
		Description: "Search lines of a cached output or allowlisted file for a substring.",
		Origin:      OriginFile,
		Invoke: func(_ context.Context, arguments string) (Result, error) {
			var a fileRangeArgs
			if err := json.Unmarshal([]byte(arguments), &a); err != nil {
				return Result{}, errs.Wrap(errs.InvalidInput, "file_grep", "decode arguments", err)
			}
			id, err := deps.resolveSource(a)
			if err != nil {
				return Result{}, err
			}
			out, err := deps.Store.Grep(id, a.Pattern)
			if err != nil {
				return Result{}, err
			}
			return Result{Text: out}, nil
		},
	})

	r.Add(&Tool{
		Name:        "cache_list",
		Description: "List every cached tool output for this context.",
		Origin:      OriginFile,
		Invoke: func(_ context.Context, _ string) (Result, error) {
			metas, err := deps.Store.List()
			if err != nil {
				return Result{}, err
			}
			data, err := json.Marshal(metas)
			if err != nil {
				return Result{}, errs.Wrap(errs.Io, "cache_list", "marshal", err)
			}
			return Result{Text: string(data)}, nil
		},
	})
}
