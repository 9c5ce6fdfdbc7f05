// Package tools implements the tool registry, hook pipeline, and handoff
// machinery. Every origin resolves to the same closure-backed Tool
// shape: built-ins invoke a Go function directly, plugin tools
// generalize os/exec shell-out runners (host_shell_runner.go,
// podman_runner.go) into an opaque external-executable contract, the
// MCP origin is grounded on github.com/mark3labs/mcp-go, and file tools
// adapt validatePathWithinProject from tools.go into the allowlisted
// cache.ResolveAllowedPath helper.
package tools

import (
	"context"
	"encoding/json"

	"github.com/chibi-run/chibi/internal/errs"
)

// Origin identifies where a tool's implementation comes from.
type Origin int

const (
	OriginBuiltin Origin = iota
	OriginPlugin
	OriginMCP
	OriginFile
)

// Result is what Invoke returns: textual content plus any side effects
// the hook/handoff machinery needs to observe ("Invocation
// contract").
type Result struct {
	Text        string
	HandoffSet  *Target
	Recurse     bool
	SideEffects map[string]any
}

// Tool is one entry in the registry.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON schema
	Origin      Origin
	Server      string // MCP qualifier; empty for non-MCP origins
	Invoke      func(ctx context.Context, arguments string) (Result, error)
}

// Registry is the discovered set of tools available to a turn, plus the
// hook pipeline threaded through it.
type Registry struct {
	tools map[string]*Tool
	order []string
	hooks *HookSet
}

// NewRegistry builds an empty registry.
func NewRegistry(hooks *HookSet) *Registry {
	return &Registry{tools: map[string]*Tool{}, hooks: hooks}
}

// Add registers a tool, preserving discovery order for hook iteration and
// tool-definition ordering ("Order between tools at the same
// hook point is the discovery order").
func (r *Registry) Add(t *Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Filter narrows the registry to tools matching an allow/deny policy. An
// empty allow list means "all tools except those denied".
func (r *Registry) Filter(allow, deny []string) []*Tool {
	allowSet := toSet(allow)
	denySet := toSet(deny)
	var out []*Tool
	for _, name := range r.order {
		if len(allowSet) > 0 {
			if _, ok := allowSet[name]; !ok {
				continue
			}
		}
		if _, ok := denySet[name]; ok {
			continue
		}
		out = append(out, r.tools[name])
	}
	return out
}

// All returns every registered tool in discovery order.
func (r *Registry) All() []*Tool {
	out := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

func toSet(names []string) map[string]struct{} {
	s := make(map[string]struct{}, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Execute runs pre_tool/post_tool hooks around a tool invocation, per
// hook-point ordering.
func (r *Registry) Execute(ctx context.Context, name, arguments string) (Result, error) {
	t, ok := r.Get(name)
	if !ok {
		return Result{}, errs.New(errs.NotFound, "tools.Execute", "unknown tool "+name)
	}

	args := arguments
	if r.hooks != nil {
		blocked, blockMsg, rewritten := r.hooks.RunPreTool(name, args)
		if blocked {
			return Result{Text: blockMsg}, nil
		}
		args = rewritten
	}

	res, err := t.Invoke(ctx, args)
	if err != nil {
		return Result{}, err
	}

	if r.hooks != nil {
		r.hooks.RunPostTool(name, res)
	}
	return res, nil
}
