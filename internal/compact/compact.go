// Package compact implements C8's three compaction modes over a
// context's transcript and window.
package compact

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"

	"github.com/chibi-run/chibi/internal/entry"
	"github.com/chibi-run/chibi/internal/errs"
	"github.com/chibi-run/chibi/internal/home"
	"github.com/chibi-run/chibi/internal/llmgateway"
	"github.com/chibi-run/chibi/internal/tools"
	"github.com/chibi-run/chibi/internal/window"
)

// Transcript is the append/read surface compaction needs.
type Transcript interface {
	Append(e entry.Entry) error
	ReadAllEntries() ([]entry.Entry, error)
}

// Compactor drives rolling, full, and by-name compaction for one context.
type Compactor struct {
	ctx     home.Context
	name    string
	tr      Transcript
	proj    *window.Projector
	gateway *llmgateway.Gateway
	hooks   *tools.HookSet
}

// New builds a Compactor for one context.
func New(ctx home.Context, name string, tr Transcript, proj *window.Projector, gateway *llmgateway.Gateway, hooks *tools.HookSet) *Compactor {
	return &Compactor{ctx: ctx, name: name, tr: tr, proj: proj, gateway: gateway, hooks: hooks}
}

type compactEntrySummary struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// RollingCompact runs when the window is over threshold and has more
// than 4 non-system entries.
func (c *Compactor) RollingCompact(ctx context.Context, win []entry.Entry, dropPercentage int, priorSummary string) error {
	if c.hooks != nil {
		if blocked, _ := c.hooks.RunAt(tools.PreRollingCompact, tools.Record{Point: tools.PreRollingCompact}); blocked {
			return nil
		}
	}

	nonSystem := filterNonSystem(win)
	if len(nonSystem) <= 4 {
		return nil
	}

	target := len(nonSystem) * dropPercentage / 100
	if target <= 0 {
		return nil
	}

	archiveIDs := c.selectArchiveIDs(ctx, nonSystem, target)
	if len(archiveIDs) == 0 {
		return nil
	}

	archiveSet := make(map[string]struct{}, len(archiveIDs))
	for _, id := range archiveIDs {
		archiveSet[id] = struct{}{}
	}

	var archived []entry.Entry
	for _, e := range nonSystem {
		if _, ok := archiveSet[e.ID]; ok {
			archived = append(archived, e)
		}
	}
	if len(archived) == 0 {
		return nil
	}

	summary, err := c.summarizeArchived(ctx, archived, priorSummary)
	if err != nil {
		return err
	}

	if err := c.writeCompactionAnchor(summary); err != nil {
		return err
	}

	if c.hooks != nil {
		c.hooks.RunAt(tools.PostRollingCompact, tools.Record{Point: tools.PostRollingCompact, Text: summary})
	}
	return nil
}

// selectArchiveIDs asks the LLM for entry IDs to archive, falling back to
// the oldest-N by percentage on any parse failure (step 3).
func (c *Compactor) selectArchiveIDs(ctx context.Context, entries []entry.Entry, target int) []string {
	summaries := make([]compactEntrySummary, 0, len(entries))
	for _, e := range entries {
		summaries = append(summaries, compactEntrySummary{
			ID:      e.ID,
			Role:    roleFor(e),
			Content: truncate(e.Content, 500),
		})
	}
	payload, err := json.Marshal(summaries)
	if err == nil && c.gateway != nil {
		prompt := fmt.Sprintf(
			"Select about %d entry ids to archive from this conversation. "+
				"Prefer older, less-relevant entries; keep entries referenced by "+
				"current goals/todos and the recent tail. Entries:\n%s\n"+
				"Respond with a JSON array of ids only.", target, string(payload))

		res, err := c.gateway.Chat(ctx, []llms.MessageContent{
			llms.TextParts(llms.ChatMessageTypeHuman, prompt),
		}, nil, llmgateway.ChatOptions{})
		if err == nil {
			var ids []string
			if json.Unmarshal([]byte(res.Content), &ids) == nil && len(ids) > 0 {
				return ids
			}
		}
	}

	// Fallback: drop the oldest N by percentage.
	sorted := append([]entry.Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })
	if target > len(sorted) {
		target = len(sorted)
	}
	ids := make([]string, 0, target)
	for i := 0; i < target; i++ {
		ids = append(ids, sorted[i].ID)
	}
	return ids
}

func (c *Compactor) summarizeArchived(ctx context.Context, archived []entry.Entry, priorSummary string) (string, error) {
	var b strings.Builder
	for _, e := range archived {
		fmt.Fprintf(&b, "[%s] %s: %s\n", roleFor(e), e.From, e.Content)
	}

	if c.gateway == nil {
		return priorSummary + "\n" + b.String(), nil
	}

	prompt := fmt.Sprintf(
		"Prior summary:\n%s\n\nIntegrate the following newly-archived conversation "+
			"entries into an updated summary:\n%s", priorSummary, b.String())
	res, err := c.gateway.Chat(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}, nil, llmgateway.ChatOptions{})
	if err != nil {
		return "", err
	}
	return res.Content, nil
}

// FullCompaction summarizes the entire conversation, writes the summary
// as the compaction anchor that starts the new window, and appends an
// LLM-generated acknowledgement to both transcript and window. The system
// prompt is not stored in the window (it is assembled per request), and
// no separate continuation-prompt entry is written.
func (c *Compactor) FullCompaction(ctx context.Context, win []entry.Entry, compactionPrompt string) error {
	if c.hooks != nil {
		if blocked, _ := c.hooks.RunAt(tools.PreCompact, tools.Record{Point: tools.PreCompact}); blocked {
			return nil
		}
	}

	var b strings.Builder
	for _, e := range filterNonSystem(win) {
		fmt.Fprintf(&b, "[%s] %s: %s\n", roleFor(e), e.From, e.Content)
	}

	prompt := compactionPrompt
	if prompt == "" {
		prompt = "Summarize this entire conversation so it can be continued from the summary alone."
	}
	prompt = prompt + "\n\n" + b.String()

	var summary string
	if c.gateway != nil {
		res, err := c.gateway.Chat(ctx, []llms.MessageContent{
			llms.TextParts(llms.ChatMessageTypeHuman, prompt),
		}, nil, llmgateway.ChatOptions{})
		if err != nil {
			return err
		}
		summary = res.Content
	}

	if err := c.writeCompactionAnchor(summary); err != nil {
		return err
	}

	var ack string
	if c.gateway != nil {
		res, err := c.gateway.Chat(ctx, []llms.MessageContent{
			llms.TextParts(llms.ChatMessageTypeHuman, "Acknowledge the continuation summary briefly."),
		}, nil, llmgateway.ChatOptions{})
		if err == nil {
			ack = res.Content
		}
	}
	if c.hooks != nil {
		c.hooks.RunAt(tools.PostCompact, tools.Record{Point: tools.PostCompact, Text: summary})
	}

	if ack != "" {
		return c.proj.AppendTandem(entry.Entry{
			Timestamp: time.Now().Unix(),
			From:      c.name,
			To:        "user",
			Content:   ack,
			EntryType: entry.TypeMessage,
		})
	}
	return nil
}

// ByNameCompaction archives the full transcript to transcript.md, writes
// a trivial compaction anchor, and marks the context dirty rather than
// clean — used for contexts that should not have LLM credentials
// charged for summarization.
func (c *Compactor) ByNameCompaction() error {
	all, err := c.tr.ReadAllEntries()
	if err != nil {
		return err
	}

	var b strings.Builder
	for _, e := range all {
		fmt.Fprintf(&b, "[%s] %s -> %s: %s\n", roleFor(e), e.From, e.To, e.Content)
	}
	if err := os.WriteFile(c.ctx.TranscriptMD, []byte(b.String()), 0o644); err != nil {
		return errs.Wrap(errs.Io, "compact.ByNameCompaction", "write transcript.md", err)
	}

	if err := c.tr.Append(entry.Entry{
		Timestamp: time.Now().Unix(),
		From:      "system",
		To:        c.name,
		Content:   "archived by name",
		EntryType: entry.TypeCompaction,
		Metadata:  map[string]any{"summary": "archived without LLM summarization"},
	}); err != nil {
		return err
	}

	return c.proj.MarkDirty()
}

// writeCompactionAnchor writes the compaction anchor entry, persists
// summary.md, and marks the context clean after a rebuild (// step 5: the anchor becomes the new window start).
func (c *Compactor) writeCompactionAnchor(summary string) error {
	if err := os.WriteFile(c.ctx.Summary, []byte(summary), 0o644); err != nil {
		return errs.Wrap(errs.Io, "compact.writeCompactionAnchor", "write summary.md", err)
	}

	if err := c.tr.Append(entry.Entry{
		Timestamp: time.Now().Unix(),
		From:      "system",
		To:        c.name,
		Content:   "compaction",
		EntryType: entry.TypeCompaction,
		Metadata:  map[string]any{"summary": summary},
	}); err != nil {
		return err
	}

	if err := c.proj.Rebuild(); err != nil {
		return err
	}
	return c.proj.MarkClean()
}

func filterNonSystem(win []entry.Entry) []entry.Entry {
	var out []entry.Entry
	for _, e := range win {
		if e.EntryType == entry.TypeSystemPromptChanged {
			continue
		}
		out = append(out, e)
	}
	return out
}

func roleFor(e entry.Entry) string {
	switch e.EntryType {
	case entry.TypeToolCall:
		return "tool_call"
	case entry.TypeToolResult:
		return "tool_result"
	default:
		return "message"
	}
}
