package tools

// Point identifies one of the fixed hook points a turn fires, in the
// order lists them.
type Point string

const (
	PreMessage         Point = "pre_message"
	PreSystemPrompt    Point = "pre_system_prompt"
	PostSystemPrompt   Point = "post_system_prompt"
	PreTool            Point = "pre_tool"
	PostTool           Point = "post_tool"
	PreSendMessage     Point = "pre_send_message"
	PostSendMessage    Point = "post_send_message"
	PostMessage        Point = "post_message"
	PreCompact         Point = "pre_compact"
	PostCompact        Point = "post_compact"
	PreRollingCompact  Point = "pre_rolling_compact"
	PostRollingCompact Point = "post_rolling_compact"
	PreSpawnAgent      Point = "pre_spawn_agent"
	PostSpawnAgent     Point = "post_spawn_agent"
)

// Outcome is what a hook may return: block execution with a
// message, rewrite arguments, inject text, or report delivery already
// claimed.
type Outcome struct {
	Block     bool
	Message   string
	Arguments string
	Inject    string
	Delivered bool
	Via       string
}

// Hook is one registered callback at a Point.
type Hook struct {
	Point Point
	Name  string
	Run   func(record Record) Outcome
}

// Record is the structured payload passed to a hook.
type Record struct {
	Point     Point
	ToolName  string
	Arguments string
	Prompt    string
	Text      string
	Result    Result
}

// HookSet holds every registered hook, invoked in discovery order at
// each point.
type HookSet struct {
	byPoint map[Point][]*Hook
}

// NewHookSet builds an empty hook set.
func NewHookSet() *HookSet { return &HookSet{byPoint: map[Point][]*Hook{}} }

// Register adds a hook at its declared point, preserving discovery order.
func (h *HookSet) Register(hook *Hook) {
	h.byPoint[hook.Point] = append(h.byPoint[hook.Point], hook)
}

// RunPreMessage lets hooks rewrite the user prompt before it is appended.
func (h *HookSet) RunPreMessage(prompt string) string {
	for _, hook := range h.byPoint[PreMessage] {
		out := hook.Run(Record{Point: PreMessage, Prompt: prompt})
		if out.Inject != "" {
			prompt = out.Inject
		}
	}
	return prompt
}

// RunPreSystemPrompt/RunPostSystemPrompt let hooks prepend/append to the
// system prompt.
func (h *HookSet) RunPreSystemPrompt(text string) string  { return h.runTextHooks(PreSystemPrompt, text, true) }
func (h *HookSet) RunPostSystemPrompt(text string) string { return h.runTextHooks(PostSystemPrompt, text, false) }

func (h *HookSet) runTextHooks(point Point, text string, prepend bool) string {
	for _, hook := range h.byPoint[point] {
		out := hook.Run(Record{Point: point, Text: text})
		if out.Inject == "" {
			continue
		}
		if prepend {
			text = out.Inject + text
		} else {
			text = text + out.Inject
		}
	}
	return text
}

// RunPreTool lets hooks rewrite arguments or block execution entirely.
func (h *HookSet) RunPreTool(toolName, arguments string) (blocked bool, blockMessage string, rewritten string) {
	rewritten = arguments
	for _, hook := range h.byPoint[PreTool] {
		out := hook.Run(Record{Point: PreTool, ToolName: toolName, Arguments: rewritten})
		if out.Block {
			return true, out.Message, rewritten
		}
		if out.Arguments != "" {
			rewritten = out.Arguments
		}
	}
	return false, "", rewritten
}

// RunPostTool is observational only.
func (h *HookSet) RunPostTool(toolName string, result Result) {
	for _, hook := range h.byPoint[PostTool] {
		hook.Run(Record{Point: PostTool, ToolName: toolName, Result: result})
	}
}

// RunPreSendMessage lets a hook claim delivery, skipping the local inbox.
func (h *HookSet) RunPreSendMessage(text string) (delivered bool, via string) {
	for _, hook := range h.byPoint[PreSendMessage] {
		out := hook.Run(Record{Point: PreSendMessage, Text: text})
		if out.Delivered {
			return true, out.Via
		}
	}
	return false, ""
}

// RunPostSendMessage is observational only.
func (h *HookSet) RunPostSendMessage(text string) {
	for _, hook := range h.byPoint[PostSendMessage] {
		hook.Run(Record{Point: PostSendMessage, Text: text})
	}
}

// RunPostMessage is observational only.
func (h *HookSet) RunPostMessage(text string) {
	for _, hook := range h.byPoint[PostMessage] {
		hook.Run(Record{Point: PostMessage, Text: text})
	}
}

// RunAt fires every hook at an arbitrary point with a bare record,
// covering the compact/rolling-compact/spawn-agent pre/post pairs that
// are purely observational or block-capable without argument rewriting.
func (h *HookSet) RunAt(point Point, rec Record) (blocked bool, blockMessage string) {
	for _, hook := range h.byPoint[point] {
		out := hook.Run(rec)
		if out.Block {
			return true, out.Message
		}
	}
	return false, ""
}
