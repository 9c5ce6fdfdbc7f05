// Package window projects a context's authoritative transcript (C2) into
// the bounded LLM working window (context.jsonl).
package window

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"

	"github.com/chibi-run/chibi/internal/entry"
	"github.com/chibi-run/chibi/internal/errs"
	"github.com/chibi-run/chibi/internal/home"
	"github.com/chibi-run/chibi/internal/safeio"
)

// Transcript is the subset of partition.Manager the projector needs.
type Transcript interface {
	Append(e entry.Entry) error
	ReadAllEntries() ([]entry.Entry, error)
}

// Meta is the persisted context_meta.json document.
type Meta struct {
	SystemPromptMTime  int64  `json:"system_prompt_md_mtime"`
	LastCombinedPrompt string `json:"last_combined_prompt,omitempty"`
}

// Projector rebuilds and maintains one context's working window.
type Projector struct {
	ctx  home.Context
	tr   Transcript
	name string // context name, used for the assistant/user role split
}

// New builds a Projector for a context directory.
func New(ctx home.Context, tr Transcript, contextName string) *Projector {
	return &Projector{ctx: ctx, tr: tr, name: contextName}
}

func (p *Projector) IsDirty() bool {
	_, err := os.Stat(p.ctx.DirtyFile)
	return err == nil
}

func (p *Projector) MarkDirty() error {
	f, err := os.OpenFile(p.ctx.DirtyFile, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errs.Wrap(errs.Io, "window.MarkDirty", "touch", err)
	}
	return f.Close()
}

func (p *Projector) MarkClean() error {
	err := os.Remove(p.ctx.DirtyFile)
	if err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.Io, "window.MarkClean", "remove", err)
	}
	return nil
}

// WindowFor returns the ordered window entries for the next LLM request,
// rebuilding from the transcript first if the window is dirty or the
// system prompt changed on disk since the last read (mtime
// detection, P1/P2 projection-purity and tandem-crash-safety properties).
func (p *Projector) WindowFor() ([]entry.Entry, error) {
	changed, err := p.detectSystemPromptChange()
	if err != nil {
		return nil, err
	}
	if changed {
		if err := p.MarkDirty(); err != nil {
			return nil, err
		}
	}

	if p.IsDirty() {
		if err := p.Rebuild(); err != nil {
			return nil, err
		}
		if err := p.MarkClean(); err != nil {
			return nil, err
		}
	}

	return p.readWindowFile()
}

// detectSystemPromptChange compares system_prompt.md's mtime against the
// stored value, appending a system_prompt_changed entry when it differs.
func (p *Projector) detectSystemPromptChange() (bool, error) {
	info, err := os.Stat(p.ctx.SystemPrompt)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errs.Wrap(errs.Io, "window.detectSystemPromptChange", "stat", err)
	}
	mtime := info.ModTime().UnixNano()

	meta, err := p.readMeta()
	if err != nil {
		return false, err
	}
	if meta.SystemPromptMTime == mtime {
		return false, nil
	}

	content, err := os.ReadFile(p.ctx.SystemPrompt)
	if err != nil {
		return false, errs.Wrap(errs.Io, "window.detectSystemPromptChange", "read", err)
	}
	if err := p.tr.Append(entry.Entry{
		Timestamp: time.Now().Unix(),
		From:      "system",
		To:        p.name,
		Content:   string(content),
		EntryType: entry.TypeSystemPromptChanged,
	}); err != nil {
		return false, err
	}

	meta.SystemPromptMTime = mtime
	if err := p.writeMeta(meta); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Projector) readMeta() (Meta, error) {
	data, err := os.ReadFile(p.ctx.MetaFile)
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, nil
		}
		return Meta{}, errs.Wrap(errs.Io, "window.readMeta", "read", err)
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return Meta{}, nil // corrupt meta is non-authoritative; treat as absent
	}
	return m, nil
}

func (p *Projector) writeMeta(m Meta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errs.Wrap(errs.Io, "window.writeMeta", "marshal", err)
	}
	return safeio.AtomicReplace(p.ctx.MetaFile, data)
}

// SetLastCombinedPrompt persists the fully-assembled system prompt for
// forensic reconstruction.
func (p *Projector) SetLastCombinedPrompt(prompt string) error {
	meta, err := p.readMeta()
	if err != nil {
		return err
	}
	meta.LastCombinedPrompt = prompt
	return p.writeMeta(meta)
}

// Rebuild recomputes context.jsonl from the transcript (step 1-4):
// find the last anchor, take everything from it onward, drop
// system_prompt_changed events, and atomically replace the window file.
func (p *Projector) Rebuild() error {
	all, err := p.tr.ReadAllEntries()
	if err != nil {
		return err
	}

	anchor := -1
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].EntryType.IsAnchor() {
			anchor = i
			break
		}
	}

	var win []entry.Entry
	if anchor >= 0 {
		win = append(win, all[anchor])
		win = append(win, all[anchor+1:]...)
	} else {
		win = all
	}

	var filtered []entry.Entry
	for _, e := range win {
		if e.EntryType == entry.TypeSystemPromptChanged {
			continue
		}
		filtered = append(filtered, e)
	}

	return p.writeWindowFile(filtered)
}

func (p *Projector) readWindowFile() ([]entry.Entry, error) {
	lines, err := safeio.ReadAllLines(p.ctx.WindowFile)
	if err != nil {
		return nil, err
	}
	var out []entry.Entry
	for _, line := range lines {
		if strings.TrimSpace(string(line)) == "" {
			continue
		}
		e, err := entry.Unmarshal(line)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (p *Projector) writeWindowFile(entries []entry.Entry) error {
	var buf []byte
	for _, e := range entries {
		line, err := e.Marshal()
		if err != nil {
			return errs.Wrap(errs.Io, "window.writeWindowFile", "marshal", err)
		}
		buf = append(buf, line...)
	}
	return safeio.AtomicReplace(p.ctx.WindowFile, buf)
}

// AppendTandem performs the tandem write: append to
// the transcript (durable, fsynced), then append to the window file. If
// the window append fails, the context is marked dirty so the next
// WindowFor call rebuilds from the transcript instead of losing the entry.
func (p *Projector) AppendTandem(e entry.Entry) error {
	if err := p.tr.Append(e); err != nil {
		return err
	}

	win, err := p.readWindowFile()
	if err != nil {
		_ = p.MarkDirty()
		return nil // transcript append already succeeded; truth is preserved
	}
	win = append(win, e)
	if err := p.writeWindowFile(win); err != nil {
		_ = p.MarkDirty()
		return nil
	}
	return nil
}

// ToMessages applies the window-to-message mapping to produce
// the ordered llms.MessageContent list for an LLM request.
func ToMessages(contextName string, win []entry.Entry) []llms.MessageContent {
	var msgs []llms.MessageContent
	var pendingCalls []llms.ToolCall
	legacyCallIndex := 0
	legacyResultIndex := 0

	flushCalls := func() {
		if len(pendingCalls) == 0 {
			return
		}
		parts := make([]llms.ContentPart, len(pendingCalls))
		for i, c := range pendingCalls {
			parts[i] = c
		}
		msgs = append(msgs, llms.MessageContent{Role: llms.ChatMessageTypeAI, Parts: parts})
		pendingCalls = nil
	}

	for i := range win {
		e := win[i]
		switch e.EntryType {
		case entry.TypeToolCall:
			id := e.ToolCallID
			if id == "" {
				id = entry.SynthesizeToolCallID(legacyCallIndex)
				legacyCallIndex++
			}
			name, args := splitToolCallContent(e.Content)
			pendingCalls = append(pendingCalls, llms.ToolCall{
				ID: id,
				FunctionCall: &llms.FunctionCall{
					Name:      name,
					Arguments: args,
				},
			})
		case entry.TypeToolResult:
			flushCalls()
			id := e.ToolCallID
			if id == "" {
				id = entry.SynthesizeToolCallID(legacyResultIndex)
				legacyResultIndex++
			}
			msgs = append(msgs, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: id,
					Content:    e.Content,
				}},
			})
		case entry.TypeMessage:
			flushCalls()
			role := llms.ChatMessageTypeHuman
			if e.From == contextName {
				role = llms.ChatMessageTypeAI
			}
			msgs = append(msgs, llms.MessageContent{
				Role:  role,
				Parts: []llms.ContentPart{llms.TextPart(e.Content)},
			})
		case entry.TypeContextCreated, entry.TypeCompaction, entry.TypeArchival:
			flushCalls()
			// Anchors don't become chat messages directly; the Compactor
			// delivers their payload through summary.md instead.
		}
	}
	flushCalls()
	return msgs
}

// splitToolCallContent recovers {name, arguments} from a tool_call entry's
// content, which stores them as "name\x00arguments" (see agentloop).
func splitToolCallContent(content string) (name, args string) {
	idx := strings.IndexByte(content, 0)
	if idx < 0 {
		return content, "{}"
	}
	return content[:idx], content[idx+1:]
}
