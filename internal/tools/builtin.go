package tools

import (
	"context"
	"encoding/json"
	"os"

	"github.com/chibi-run/chibi/internal/errs"
)

// BuiltinDeps is everything a built-in tool needs to touch outside its
// own arguments: the files a context keeps (todos.md, goals.md, ...),
// the handoff for this turn, and a send function for inter-context
// messages.
type BuiltinDeps struct {
	TodosPath      string
	GoalsPath      string
	ReflectionPath string
	Hooks          *HookSet
	Handoff        *Handoff
	SendToInbox    func(to, content string) error
	Recurse        func(prompt string) // invoked by the recurse signal
	SpawnAgent     func(ctx context.Context, prompt string) (string, error)
	Summarize      func(ctx context.Context, content string) (string, error)
}

type textArgs struct {
	Content string `json:"content"`
}

type sendMessageArgs struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

type callArgs struct {
	Prompt  string `json:"prompt"`
	Message string `json:"message"`
}

// RegisterBuiltins adds the built-in tool family to the
// registry: update_todos, update_goals, update_reflection, send_message,
// call_user, call_agent, spawn_agent, summarize_content, and the recurse
// signal. The cache-inspection family (file_head/file_tail/file_lines/
// file_grep/cache_list) is registered separately by RegisterFileTools,
// since it needs the cache.Store and allowed-paths configuration.
func RegisterBuiltins(r *Registry, deps BuiltinDeps) {
	r.Add(&Tool{
		Name:        "update_todos",
		Description: "Replace the context's todo list.",
		Origin:      OriginBuiltin,
		Invoke: func(_ context.Context, arguments string) (Result, error) {
			var a textArgs
			if err := json.Unmarshal([]byte(arguments), &a); err != nil {
				return Result{}, errs.Wrap(errs.InvalidInput, "update_todos", "decode arguments", err)
			}
			if err := os.WriteFile(deps.TodosPath, []byte(a.Content), 0o644); err != nil {
				return Result{}, errs.Wrap(errs.Io, "update_todos", "write", err)
			}
			return Result{Text: "todos updated"}, nil
		},
	})

	r.Add(&Tool{
		Name:        "update_goals",
		Description: "Replace the context's goal list.",
		Origin:      OriginBuiltin,
		Invoke: func(_ context.Context, arguments string) (Result, error) {
			var a textArgs
			if err := json.Unmarshal([]byte(arguments), &a); err != nil {
				return Result{}, errs.Wrap(errs.InvalidInput, "update_goals", "decode arguments", err)
			}
			if err := os.WriteFile(deps.GoalsPath, []byte(a.Content), 0o644); err != nil {
				return Result{}, errs.Wrap(errs.Io, "update_goals", "write", err)
			}
			return Result{Text: "goals updated"}, nil
		},
	})

	r.Add(&Tool{
		Name:        "update_reflection",
		Description: "Replace the agent's running self-reflection note.",
		Origin:      OriginBuiltin,
		Invoke: func(_ context.Context, arguments string) (Result, error) {
			var a textArgs
			if err := json.Unmarshal([]byte(arguments), &a); err != nil {
				return Result{}, errs.Wrap(errs.InvalidInput, "update_reflection", "decode arguments", err)
			}
			if deps.ReflectionPath != "" {
				if err := os.WriteFile(deps.ReflectionPath, []byte(a.Content), 0o644); err != nil {
					return Result{}, errs.Wrap(errs.Io, "update_reflection", "write", err)
				}
			}
			return Result{Text: "reflection updated"}, nil
		},
	})

	r.Add(&Tool{
		Name:        "send_message",
		Description: "Send a message to another context's inbox.",
		Origin:      OriginBuiltin,
		Invoke: func(_ context.Context, arguments string) (Result, error) {
			var a sendMessageArgs
			if err := json.Unmarshal([]byte(arguments), &a); err != nil {
				return Result{}, errs.Wrap(errs.InvalidInput, "send_message", "decode arguments", err)
			}
			if deps.Hooks != nil {
				if delivered, via := deps.Hooks.RunPreSendMessage(a.Content); delivered {
					return Result{Text: "message delivered via " + via}, nil
				}
			}
			if deps.SendToInbox == nil {
				return Result{}, errs.New(errs.Io, "send_message", "no inbox sender configured")
			}
			if err := deps.SendToInbox(a.To, a.Content); err != nil {
				return Result{}, err
			}
			if deps.Hooks != nil {
				deps.Hooks.RunPostSendMessage(a.Content)
			}
			return Result{Text: "message sent to " + a.To}, nil
		},
	})

	r.Add(&Tool{
		Name:        "call_user",
		Description: "Hand the turn back to the human user with a message.",
		Origin:      OriginBuiltin,
		Invoke: func(_ context.Context, arguments string) (Result, error) {
			var a callArgs
			_ = json.Unmarshal([]byte(arguments), &a)
			t := UserTarget(a.Message)
			if deps.Handoff != nil {
				deps.Handoff.Set(t)
			}
			return Result{Text: "handed off to user", HandoffSet: &t}, nil
		},
	})

	r.Add(&Tool{
		Name:        "call_agent",
		Description: "Hand the turn to a sub-agent with a prompt.",
		Origin:      OriginBuiltin,
		Invoke: func(_ context.Context, arguments string) (Result, error) {
			var a callArgs
			_ = json.Unmarshal([]byte(arguments), &a)
			t := AgentTarget(a.Prompt)
			if deps.Handoff != nil {
				deps.Handoff.Set(t)
			}
			return Result{Text: "handed off to agent", HandoffSet: &t}, nil
		},
	})

	r.Add(&Tool{
		Name:        "spawn_agent",
		Description: "Spawn a sub-agent with its own LLM call and return its final answer.",
		Origin:      OriginBuiltin,
		Invoke: func(ctx context.Context, arguments string) (Result, error) {
			var a callArgs
			if err := json.Unmarshal([]byte(arguments), &a); err != nil {
				return Result{}, errs.Wrap(errs.InvalidInput, "spawn_agent", "decode arguments", err)
			}
			if deps.SpawnAgent == nil {
				return Result{}, errs.New(errs.Io, "spawn_agent", "no spawn function configured")
			}
			out, err := deps.SpawnAgent(ctx, a.Prompt)
			if err != nil {
				return Result{}, err
			}
			return Result{Text: out}, nil
		},
	})

	r.Add(&Tool{
		Name:        "summarize_content",
		Description: "Summarize arbitrary content via a non-streaming LLM call.",
		Origin:      OriginBuiltin,
		Invoke: func(ctx context.Context, arguments string) (Result, error) {
			var a textArgs
			if err := json.Unmarshal([]byte(arguments), &a); err != nil {
				return Result{}, errs.Wrap(errs.InvalidInput, "summarize_content", "decode arguments", err)
			}
			if deps.Summarize == nil {
				return Result{}, errs.New(errs.Io, "summarize_content", "no summarizer configured")
			}
			out, err := deps.Summarize(ctx, a.Content)
			if err != nil {
				return Result{}, err
			}
			return Result{Text: out}, nil
		},
	})

	r.Add(&Tool{
		Name:        "recurse",
		Description: "Signal the agentic loop to run another turn without new user input.",
		Origin:      OriginBuiltin,
		Invoke: func(_ context.Context, arguments string) (Result, error) {
			var a textArgs
			_ = json.Unmarshal([]byte(arguments), &a)
			if deps.Recurse != nil {
				deps.Recurse(a.Content)
			}
			return Result{Text: "recursing", Recurse: true}, nil
		},
	})
}
