package llmgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	r3sse "github.com/r3labs/sse/v2"

	"github.com/chibi-run/chibi/internal/errs"
)

// MaxToolCalls is the defence against malformed streamed responses that
// mandates: tool-call delta indices at or above this value are
// rejected rather than grown into unbounded accumulator slots.
const MaxToolCalls = 100

// rawDelta is the wire shape accumulated from one SSE event. Providers
// that speak the OpenAI-compatible streaming schema (the lowest common
// denominator across the provider set) emit this shape directly inside
// each `data:` payload; StreamChat decodes into it before folding into
// the accumulator.
type rawDelta struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
	} `json:"choices"`
	Usage map[string]any `json:"usage"`
	Model string         `json:"model"`
	ID    string         `json:"id"`
}

// ToolCallSlot is one lazily-created, index-addressed tool-call
// accumulator slot.
type ToolCallSlot struct {
	ID        string
	Name      string
	Arguments strings.Builder
}

// Accumulator folds a sequence of raw deltas into the final assembled
// response, applying rules: strip a single leading newline
// from the first non-empty text chunk, accumulate tool-call fragments by
// integer index, reject indices >= MaxToolCalls, and merge terminal
// usage/model/id metadata as it arrives.
type Accumulator struct {
	text          strings.Builder
	full          strings.Builder
	strippedFirst bool
	slots         map[int]*ToolCallSlot
	order         []int
	Usage         map[string]any
	Model         string
	ID            string
}

// NewAccumulator builds an empty delta accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{slots: map[int]*ToolCallSlot{}}
}

// Feed folds one raw delta payload into the accumulator.
func (a *Accumulator) Feed(data []byte) error {
	var d rawDelta
	if err := json.Unmarshal(data, &d); err != nil {
		return errs.Wrap(errs.Protocol, "llmgateway.Accumulator.Feed", "decode delta", err)
	}
	if d.Usage != nil {
		a.Usage = d.Usage
	}
	if d.Model != "" {
		a.Model = d.Model
	}
	if d.ID != "" {
		a.ID = d.ID
	}

	for _, choice := range d.Choices {
		if chunk := choice.Delta.Content; chunk != "" {
			if !a.strippedFirst {
				chunk = strings.TrimPrefix(chunk, "\n")
				a.strippedFirst = true
			}
			a.text.WriteString(chunk)
			a.full.WriteString(chunk)
		}
		for _, tc := range choice.Delta.ToolCalls {
			if tc.Index >= MaxToolCalls {
				continue
			}
			slot, ok := a.slots[tc.Index]
			if !ok {
				slot = &ToolCallSlot{}
				a.slots[tc.Index] = slot
				a.order = append(a.order, tc.Index)
			}
			if tc.ID != "" {
				slot.ID = tc.ID
			}
			if tc.Function.Name != "" {
				slot.Name = tc.Function.Name
			}
			slot.Arguments.WriteString(tc.Function.Arguments)
		}
	}
	return nil
}

// TextChunk returns the text accumulated so far and resets the buffer,
// so the agentic loop can forward each increment to the output sink as
// it streams in.
func (a *Accumulator) TextChunk() string {
	s := a.text.String()
	a.text.Reset()
	return s
}

// FullText returns every text increment accumulated over the stream's
// lifetime, unaffected by TextChunk's resets.
func (a *Accumulator) FullText() string { return a.full.String() }

// ToolCalls returns the final tool-call slots in first-seen index order.
func (a *Accumulator) ToolCalls() []ToolCallSlot {
	out := make([]ToolCallSlot, 0, len(a.order))
	for _, idx := range a.order {
		out = append(out, *a.slots[idx])
	}
	return out
}

// StreamChat connects to a raw SSE endpoint and feeds every event into
// an Accumulator, invoking onText as each text increment arrives. It
// returns once the stream closes or ctx is cancelled.
func StreamChat(ctx context.Context, url string, headers map[string]string, body []byte, onText func(string)) (*Accumulator, error) {
	client := r3sse.NewClient(url)
	client.Headers = headers
	client.Method = "POST"
	client.Body = bytes.NewReader(body)

	acc := NewAccumulator()
	done := make(chan error, 1)

	go func() {
		done <- client.SubscribeWithContext(ctx, "", func(msg *r3sse.Event) {
			payload := strings.TrimSpace(string(msg.Data))
			if payload == "" || payload == "[DONE]" {
				return
			}
			if err := acc.Feed(msg.Data); err != nil {
				return
			}
			if chunk := acc.TextChunk(); chunk != "" && onText != nil {
				onText(chunk)
			}
		})
	}()

	select {
	case <-ctx.Done():
		return acc, ctx.Err()
	case err := <-done:
		if err != nil {
			return acc, errs.Wrap(errs.Protocol, "llmgateway.StreamChat", "subscribe", err)
		}
		return acc, nil
	}
}
