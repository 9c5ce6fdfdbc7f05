// Package agentloop implements the Assemble -> Stream -> Collect ->
// Execute -> Decide state machine behind the single public send_prompt
// operation, generalized from a Session turn loop's
// generateLLMResponse plus its tool-execution switch.
package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"

	"github.com/chibi-run/chibi/internal/cache"
	"github.com/chibi-run/chibi/internal/compact"
	"github.com/chibi-run/chibi/internal/config"
	"github.com/chibi-run/chibi/internal/entry"
	"github.com/chibi-run/chibi/internal/errs"
	"github.com/chibi-run/chibi/internal/home"
	"github.com/chibi-run/chibi/internal/inbox"
	"github.com/chibi-run/chibi/internal/llmgateway"
	"github.com/chibi-run/chibi/internal/sink"
	"github.com/chibi-run/chibi/internal/tools"
	"github.com/chibi-run/chibi/internal/window"
)

// Transcript is the append/read surface the loop needs.
type Transcript interface {
	Append(e entry.Entry) error
	ReadAllEntries() ([]entry.Entry, error)
}

// Deps bundles every collaborator one context's turn needs.
type Deps struct {
	Ctx         home.Context
	ContextName string
	Transcript  Transcript
	Projector   *window.Projector
	Registry    *tools.Registry
	Hooks       *tools.HookSet
	Gateway     *llmgateway.Gateway
	Cache       *cache.Store
	Compactor   *compact.Compactor
	Handoff     *tools.Handoff
	Sink        sink.Sink
	Config      config.ResolvedConfig
}

// Options configure one send_prompt invocation.
type Options struct {
	Depth        int
	DebugLog     bool // gates writing request_log / response_meta debug files
	DropPct      int  // carried into recursive turns; auto-compaction reads Config.RollingCompactDropPercentage instead
	Continuation bool // true for a recurse-driven turn: skip appending a new user entry
}

// SendPrompt drives one full turn (and any recursive continuation turns)
// for a context, emitting events to deps.Sink. It never returns a
// partial-write error: transcript entries already appended before a
// failure remain durable ("Cancellation").
func SendPrompt(ctx context.Context, deps *Deps, prompt string, opts Options, fuel *float64) error {
	// 1. Assemble.
	win, err := deps.Projector.WindowFor()
	if err != nil {
		return err
	}

	if !opts.Continuation {
		rewritten := prompt
		if deps.Hooks != nil {
			rewritten = deps.Hooks.RunPreMessage(prompt)
		}

		msgs, err := inbox.LoadAndClear(deps.Ctx)
		if err != nil {
			return err
		}
		if len(msgs) > 0 {
			var b strings.Builder
			b.WriteString("INBOX MESSAGES:\n")
			for _, m := range msgs {
				fmt.Fprintf(&b, "[%s] %s: %s\n", time.Unix(m.Timestamp, 0).Format(time.RFC3339), m.From, m.Content)
			}
			rewritten = b.String() + "\n" + rewritten
			deps.Sink.Handle(sink.InboxesProcessed{Count: len(msgs)})
		}

		userEntry := entry.Entry{
			Timestamp: time.Now().Unix(),
			From:      "user",
			To:        deps.ContextName,
			Content:   rewritten,
			EntryType: entry.TypeMessage,
		}
		if err := deps.Projector.AppendTandem(userEntry); err != nil {
			return err
		}
		deps.Sink.Handle(sink.TranscriptEntryEvent{ID: userEntry.ID, From: userEntry.From, To: userEntry.To, Content: userEntry.Content, EntryType: string(userEntry.EntryType)})
		win = append(win, userEntry)
	}

	// 2. Pre-request checks.
	estimatedTokens := estimateTokens(win)
	limit := deps.Config.ContextWindowLimit
	if limit > 0 {
		pct := estimatedTokens * 100 / limit
		if int(pct) >= deps.Config.WarnThresholdPercent {
			deps.Sink.Handle(sink.Diagnostic{Message: "context window usage is high", VerboseOnly: true})
		}
		if deps.Config.AutoCompact && int(pct) >= deps.Config.AutoCompactThreshold {
			if deps.Compactor != nil {
				if err := deps.Compactor.RollingCompact(ctx, win, deps.Config.RollingCompactDropPercentage, ""); err != nil {
					return err
				}
				deps.Sink.Handle(sink.CompactionComplete{Mode: "rolling"})
				return nil
			}
		}
	}

	// 3. Build request.
	toolDefs := buildToolDefs(deps.Registry, deps.Config)
	chatMsgs := window.ToMessages(deps.ContextName, win)

	systemPrompt, err := buildSystemPrompt(deps)
	if err != nil {
		return err
	}
	if systemPrompt != "" {
		chatMsgs = append([]llms.MessageContent{llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt)}, chatMsgs...)
	}

	if opts.DebugLog {
		logRequest(deps.Ctx.RequestLog, chatMsgs)
	}

	// 4. Stream.
	if fuel != nil {
		if *fuel <= 0 {
			deps.Sink.Handle(sink.Diagnostic{Message: "fuel exhausted"})
			deps.Sink.Handle(sink.Finished{})
			return errs.New(errs.BudgetExhausted, "agentloop.SendPrompt", "fuel exhausted")
		}
		*fuel -= 1
	}

	deps.Sink.Handle(sink.StartResponse{})
	streamed := false
	result, err := deps.Gateway.StreamChat(ctx, chatMsgs, toolDefs, optionsFromConfig(deps.Config), func(chunk string) {
		streamed = true
		deps.Sink.Handle(sink.TextChunk{Text: chunk})
	})
	if err != nil {
		return err
	}
	if opts.DebugLog {
		logResponseMeta(deps.Ctx.ResponseMeta, result)
	}

	// 5. Collect.
	switch {
	case result.Content == "" && len(result.ToolCalls) == 0:
		if fuel != nil {
			*fuel -= deps.Config.FuelEmptyResponseCost
			if *fuel <= 0 {
				deps.Sink.Handle(sink.Diagnostic{Message: "fuel exhausted after empty response"})
				deps.Sink.Handle(sink.Finished{})
				return errs.New(errs.BudgetExhausted, "agentloop.SendPrompt", "fuel exhausted after empty response")
			}
		}
		deps.Sink.Handle(sink.Diagnostic{Message: "empty response"})
		deps.Sink.Handle(sink.Finished{})
		return nil

	case len(result.ToolCalls) > 0:
		seenIDs := map[string]bool{}
		for _, tc := range result.ToolCalls {
			if tc.ID != "" && seenIDs[tc.ID] {
				return errs.New(errs.Protocol, "agentloop.SendPrompt", "duplicate tool_call_id "+tc.ID)
			}
			seenIDs[tc.ID] = true
		}
		assistantEntry := entry.Entry{
			Timestamp: time.Now().Unix(),
			From:      deps.ContextName,
			To:        "user",
			Content:   result.Content,
			EntryType: entry.TypeMessage,
		}
		if result.Content != "" {
			if err := deps.Projector.AppendTandem(assistantEntry); err != nil {
				return err
			}
		}

		recurseRequested := false
		for _, tc := range result.ToolCalls {
			recurse, err := execute(ctx, deps, tc)
			if err != nil {
				return err
			}
			if recurse {
				recurseRequested = true
			}
		}

		if recurseRequested {
			if opts.Depth+1 >= deps.Config.MaxRecursionDepth {
				deps.Sink.Handle(sink.Diagnostic{Message: "max recursion depth reached"})
				deps.Sink.Handle(sink.Finished{})
				return nil
			}
			return SendPrompt(ctx, deps, "", Options{Depth: opts.Depth + 1, DebugLog: opts.DebugLog, DropPct: opts.DropPct, Continuation: true}, fuel)
		}

	default:
		assistantEntry := entry.Entry{
			Timestamp: time.Now().Unix(),
			From:      deps.ContextName,
			To:        "user",
			Content:   result.Content,
			EntryType: entry.TypeMessage,
		}
		if err := deps.Projector.AppendTandem(assistantEntry); err != nil {
			return err
		}
		if deps.Hooks != nil {
			deps.Hooks.RunPostMessage(result.Content)
		}
		if !streamed {
			deps.Sink.Handle(sink.TextChunk{Text: result.Content})
		}
		deps.Sink.Handle(sink.Finished{})
		return nil
	}

	// 7. Decide.
	target := deps.Handoff.Take()
	if !target.IsAgent {
		if target.Message != "" {
			deps.Sink.Handle(sink.TextChunk{Text: target.Message})
		}
		deps.Sink.Handle(sink.Finished{})
		return nil
	}
	if opts.Depth+1 >= deps.Config.MaxRecursionDepth {
		deps.Sink.Handle(sink.Diagnostic{Message: "max recursion depth reached"})
		deps.Sink.Handle(sink.Finished{})
		return nil
	}
	return SendPrompt(ctx, deps, target.Prompt, Options{Depth: opts.Depth + 1, DebugLog: opts.DebugLog, DropPct: opts.DropPct}, fuel)
}

// execute implements step 6: transcript the call, run pre_tool, route to
// the right origin, transcript the result, run post_tool, cache
// oversized output, and update Handoff. The returned bool reports
// whether the tool signaled a recursion (the recurse built-in).
func execute(ctx context.Context, deps *Deps, tc llms.ToolCall) (bool, error) {
	name := ""
	args := "{}"
	if tc.FunctionCall != nil {
		name = tc.FunctionCall.Name
		args = tc.FunctionCall.Arguments
	}

	deps.Sink.Handle(sink.ToolStart{Name: name})

	callEntry := entry.Entry{
		Timestamp:  time.Now().Unix(),
		From:       deps.ContextName,
		To:         "tool:" + name,
		Content:    name + "\x00" + args,
		EntryType:  entry.TypeToolCall,
		ToolCallID: tc.ID,
	}
	if err := deps.Projector.AppendTandem(callEntry); err != nil {
		return false, err
	}

	res, err := deps.Registry.Execute(ctx, name, args)
	text := res.Text
	if err != nil {
		text = "error: " + err.Error()
	}

	cached := false
	if deps.Cache != nil && deps.Config.ToolOutputCacheThreshold > 0 {
		preview, perr := deps.Cache.Put(name, text, deps.Config.ToolOutputCacheThreshold, deps.Config.ToolCachePreviewChars)
		if perr == nil && preview != text {
			text = preview
			cached = true
		}
	}

	resultEntry := entry.Entry{
		Timestamp:  time.Now().Unix(),
		From:       "tool:" + name,
		To:         deps.ContextName,
		Content:    text,
		EntryType:  entry.TypeToolResult,
		ToolCallID: tc.ID,
	}
	if err := deps.Projector.AppendTandem(resultEntry); err != nil {
		return false, err
	}
	deps.Sink.Handle(sink.ToolResult{Name: name, Result: text, Cached: cached})

	if res.HandoffSet != nil {
		deps.Handoff.Set(*res.HandoffSet)
	}
	return res.Recurse, nil
}

// buildSystemPrompt assembles the system message for one request: raw
// system_prompt.md, pre_system_prompt hook injections, a username
// preamble, summary.md, goals.md, todos.md, the reflection note, and
// post_system_prompt hook injections, in that order. The assembled
// string is persisted via Projector.SetLastCombinedPrompt for forensic
// reconstruction regardless of whether any section was non-empty.
func buildSystemPrompt(deps *Deps) (string, error) {
	var parts []string

	base, err := readFileOrEmpty(deps.Ctx.SystemPrompt)
	if err != nil {
		return "", err
	}
	if base != "" {
		parts = append(parts, base)
	}

	if deps.Hooks != nil {
		if pre := deps.Hooks.RunPreSystemPrompt(""); pre != "" {
			parts = append(parts, pre)
		}
	}

	if deps.Config.Username != "" {
		parts = append(parts, fmt.Sprintf("You are speaking with %s.", deps.Config.Username))
	}

	summary, err := readFileOrEmpty(deps.Ctx.Summary)
	if err != nil {
		return "", err
	}
	if summary != "" {
		parts = append(parts, "Summary of earlier conversation:\n"+summary)
	}

	goals, err := readFileOrEmpty(deps.Ctx.Goals)
	if err != nil {
		return "", err
	}
	if goals != "" {
		parts = append(parts, "Current goals:\n"+goals)
	}

	todos, err := readFileOrEmpty(deps.Ctx.Todos)
	if err != nil {
		return "", err
	}
	if todos != "" {
		parts = append(parts, "Current todos:\n"+todos)
	}

	if deps.Config.ReflectionEnabled {
		reflection, err := readFileOrEmpty(deps.Ctx.Reflection)
		if err != nil {
			return "", err
		}
		if reflection != "" {
			if limit := deps.Config.ReflectionCharacterLimit; limit > 0 && len(reflection) > limit {
				reflection = reflection[:limit]
			}
			parts = append(parts, "Reflection notes:\n"+reflection)
		}
	}

	if deps.Hooks != nil {
		if post := deps.Hooks.RunPostSystemPrompt(""); post != "" {
			parts = append(parts, post)
		}
	}

	prompt := strings.Join(parts, "\n\n")
	if deps.Projector != nil {
		if err := deps.Projector.SetLastCombinedPrompt(prompt); err != nil {
			return "", err
		}
	}
	return prompt, nil
}

func readFileOrEmpty(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errs.Wrap(errs.Io, "agentloop.readFileOrEmpty", "read "+path, err)
	}
	return string(data), nil
}

func buildToolDefs(reg *tools.Registry, cfg config.ResolvedConfig) []llms.Tool {
	if cfg.NoToolCalls {
		return nil
	}
	active := reg.Filter(cfg.Tools.Allow, cfg.Tools.Deny)
	defs := make([]llms.Tool, 0, len(active))
	for _, t := range active {
		var schema any
		if len(t.Parameters) > 0 {
			_ = json.Unmarshal(t.Parameters, &schema)
		}
		defs = append(defs, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		})
	}
	return defs
}

func optionsFromConfig(cfg config.ResolvedConfig) llmgateway.ChatOptions {
	opts := llmgateway.ChatOptions{
		ToolChoice:  cfg.API.ToolChoice,
		Stop:        cfg.API.Stop,
		NoToolCalls: cfg.NoToolCalls,
	}
	if cfg.API.Temperature != nil {
		opts.Temperature = cfg.API.Temperature
	}
	if cfg.API.MaxTokens != nil {
		opts.MaxTokens = cfg.API.MaxTokens
	}
	if cfg.API.TopP != nil {
		opts.TopP = cfg.API.TopP
	}
	if cfg.API.Seed != nil {
		opts.Seed = cfg.API.Seed
	}
	opts.ParallelToolCalls = cfg.API.ParallelToolCalls
	return opts
}

// estimateTokens approximates token count from character count using the
// storage layer's bytes-per-token ratio convention, since no tokenizer is
// wired at this layer and tokenization stays provider-specific.
func estimateTokens(win []entry.Entry) int64 {
	var chars int64
	for _, e := range win {
		chars += int64(len(e.Content))
	}
	return chars / 3
}

func logRequest(path string, msgs []llms.MessageContent) {
	data, err := json.Marshal(msgs)
	if err != nil {
		return
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	f.Write(append(data, '\n'))
}

func logResponseMeta(path string, res llmgateway.ChatResult) {
	data, err := json.Marshal(res.Usage)
	if err != nil {
		return
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	f.Write(append(data, '\n'))
}
