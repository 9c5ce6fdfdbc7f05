package llmgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"

	r3sse "github.com/r3labs/sse/v2"
	"github.com/tmc/langchaingo/llms"

	"github.com/chibi-run/chibi/internal/errs"
)

const defaultAnthropicBaseURL = "https://api.anthropic.com"

// StreamChat performs one streaming completion against the provider's raw
// text/event-stream endpoint, invoking onText as each text increment
// arrives, and returns the same ChatResult shape Chat does once the
// stream closes. openai and ollama already speak the OpenAI-compatible
// delta wire shape the package-level StreamChat/Accumulator decode
// directly; anthropic's native event schema is translated into that same
// shape first. Any other provider (fake, or an unrecognized one) falls
// back to a single non-streaming Chat call, delivered to onText in one
// shot, since it has no raw streaming endpoint to speak to.
func (g *Gateway) StreamChat(ctx context.Context, messages []llms.MessageContent, tools []llms.Tool, opts ChatOptions, onText func(string)) (ChatResult, error) {
	switch g.spec.Provider {
	case "anthropic":
		return g.streamAnthropic(ctx, messages, tools, opts, onText)
	case "openai", "ollama":
		return g.streamOpenAICompatible(ctx, messages, tools, opts, onText)
	default:
		res, err := g.Chat(ctx, messages, tools, opts)
		if err != nil {
			return res, err
		}
		if onText != nil && res.Content != "" {
			onText(res.Content)
		}
		return res, nil
	}
}

func (g *Gateway) streamOpenAICompatible(ctx context.Context, messages []llms.MessageContent, tools []llms.Tool, opts ChatOptions, onText func(string)) (ChatResult, error) {
	base := g.spec.BaseURL
	if base == "" {
		base = "https://api.openai.com"
	}
	url := strings.TrimRight(base, "/") + "/v1/chat/completions"
	headers := map[string]string{"Content-Type": "application/json"}
	if g.spec.APIKey != "" {
		headers["Authorization"] = "Bearer " + g.spec.APIKey
	}

	payload := map[string]any{
		"model":    g.spec.Model,
		"messages": toOpenAIMessages(messages),
		"stream":   true,
	}
	if len(tools) > 0 && !opts.NoToolCalls {
		payload["tools"] = toOpenAITools(tools)
		if opts.ToolChoice != "" {
			payload["tool_choice"] = opts.ToolChoice
		}
	}
	if opts.Temperature != nil {
		payload["temperature"] = *opts.Temperature
	}
	if opts.MaxTokens != nil {
		payload["max_tokens"] = *opts.MaxTokens
	}
	if opts.TopP != nil {
		payload["top_p"] = *opts.TopP
	}
	if len(opts.Stop) > 0 {
		payload["stop"] = opts.Stop
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return ChatResult{}, errs.Wrap(errs.Io, "llmgateway.streamOpenAICompatible", "marshal body", err)
	}

	acc, err := StreamChat(ctx, url, headers, body, onText)
	if err != nil {
		return ChatResult{}, err
	}
	return accumulatorToResult(acc), nil
}

func accumulatorToResult(acc *Accumulator) ChatResult {
	var calls []llms.ToolCall
	for _, slot := range acc.ToolCalls() {
		calls = append(calls, llms.ToolCall{
			ID: slot.ID,
			FunctionCall: &llms.FunctionCall{
				Name:      slot.Name,
				Arguments: slot.Arguments.String(),
			},
		})
	}
	return ChatResult{
		Content:   acc.FullText(),
		ToolCalls: calls,
		Usage:     acc.Usage,
		Model:     acc.Model,
		ID:        acc.ID,
	}
}

// anthropicEvent is the subset of Anthropic's native SSE event schema
// gateway_stream.go translates into the OpenAI-compatible rawDelta shape
// Accumulator.Feed already understands, so both provider families share
// one accumulation path.
type anthropicEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message struct {
		ID    string `json:"id"`
		Model string `json:"model"`
	} `json:"message"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
	Usage map[string]any `json:"usage"`
}

func (g *Gateway) streamAnthropic(ctx context.Context, messages []llms.MessageContent, tools []llms.Tool, opts ChatOptions, onText func(string)) (ChatResult, error) {
	base := g.spec.BaseURL
	if base == "" {
		base = defaultAnthropicBaseURL
	}
	url := strings.TrimRight(base, "/") + "/v1/messages"
	headers := map[string]string{
		"Content-Type":      "application/json",
		"anthropic-version": "2023-06-01",
	}
	switch {
	case g.spec.AuthToken != "":
		headers["Authorization"] = "Bearer " + g.spec.AuthToken
	case g.spec.APIKey != "":
		headers["x-api-key"] = g.spec.APIKey
	}

	system, msgs := toAnthropicMessages(messages)
	maxTokens := 4096
	if opts.MaxTokens != nil {
		maxTokens = *opts.MaxTokens
	}
	payload := map[string]any{
		"model":      g.spec.Model,
		"max_tokens": maxTokens,
		"messages":   msgs,
		"stream":     true,
	}
	if system != "" {
		payload["system"] = system
	}
	if len(tools) > 0 && !opts.NoToolCalls {
		payload["tools"] = toAnthropicTools(tools)
	}
	if opts.Temperature != nil {
		payload["temperature"] = *opts.Temperature
	}
	if opts.TopP != nil {
		payload["top_p"] = *opts.TopP
	}
	if len(opts.Stop) > 0 {
		payload["stop_sequences"] = opts.Stop
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return ChatResult{}, errs.Wrap(errs.Io, "llmgateway.streamAnthropic", "marshal body", err)
	}

	client := r3sse.NewClient(url)
	client.Headers = headers
	client.Method = "POST"
	client.Body = bytes.NewReader(body)

	acc := NewAccumulator()
	var mu sync.Mutex
	done := make(chan error, 1)

	go func() {
		done <- client.SubscribeWithContext(ctx, "", func(msg *r3sse.Event) {
			if strings.TrimSpace(string(msg.Data)) == "" {
				return
			}
			var ev anthropicEvent
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				return
			}

			mu.Lock()
			defer mu.Unlock()

			synth, chunk := translateAnthropicEvent(&ev)
			if synth != nil {
				data, merr := json.Marshal(synth)
				if merr == nil {
					_ = acc.Feed(data)
				}
			}
			if chunk != "" && onText != nil {
				onText(chunk)
			}
		})
	}()

	select {
	case <-ctx.Done():
		return ChatResult{}, ctx.Err()
	case err := <-done:
		if err != nil {
			return ChatResult{}, errs.Wrap(errs.Protocol, "llmgateway.streamAnthropic", "subscribe", err)
		}
		return accumulatorToResult(acc), nil
	}
}

// translateAnthropicEvent maps one Anthropic SSE event onto the
// OpenAI-compatible rawDelta shape Accumulator.Feed decodes. Each
// event already self-identifies its kind (ev.Delta.Type distinguishes
// text_delta from input_json_delta), so no separate per-index state is
// needed to disambiguate later deltas.
func translateAnthropicEvent(ev *anthropicEvent) (synth map[string]any, textChunk string) {
	switch ev.Type {
	case "message_start":
		return map[string]any{"model": ev.Message.Model, "id": ev.Message.ID}, ""

	case "content_block_start":
		if ev.ContentBlock.Type == "tool_use" {
			return map[string]any{
				"choices": []map[string]any{{
					"delta": map[string]any{
						"tool_calls": []map[string]any{{
							"index": ev.Index,
							"id":    ev.ContentBlock.ID,
							"function": map[string]any{
								"name":      ev.ContentBlock.Name,
								"arguments": "",
							},
						}},
					},
				}},
			}, ""
		}
		return nil, ""

	case "content_block_delta":
		switch ev.Delta.Type {
		case "text_delta":
			return map[string]any{
				"choices": []map[string]any{{"delta": map[string]any{"content": ev.Delta.Text}}},
			}, ev.Delta.Text
		case "input_json_delta":
			return map[string]any{
				"choices": []map[string]any{{
					"delta": map[string]any{
						"tool_calls": []map[string]any{{
							"index":    ev.Index,
							"function": map[string]any{"arguments": ev.Delta.PartialJSON},
						}},
					},
				}},
			}, ""
		}
		return nil, ""

	case "message_delta":
		if ev.Usage != nil {
			return map[string]any{"usage": ev.Usage}, ""
		}
		return nil, ""

	default:
		return nil, ""
	}
}

func toOpenAIMessages(messages []llms.MessageContent) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		role := string(m.Role)
		switch m.Role {
		case llms.ChatMessageTypeHuman:
			role = "user"
		case llms.ChatMessageTypeAI:
			role = "assistant"
		case llms.ChatMessageTypeSystem:
			role = "system"
		case llms.ChatMessageTypeTool:
			role = "tool"
		}

		entry := map[string]any{"role": role}
		var calls []map[string]any
		var text strings.Builder
		for _, part := range m.Parts {
			switch p := part.(type) {
			case llms.TextContent:
				text.WriteString(p.Text)
			case llms.ToolCall:
				calls = append(calls, map[string]any{
					"id":   p.ID,
					"type": "function",
					"function": map[string]any{
						"name":      p.FunctionCall.Name,
						"arguments": p.FunctionCall.Arguments,
					},
				})
			case llms.ToolCallResponse:
				entry["tool_call_id"] = p.ToolCallID
				text.WriteString(p.Content)
			}
		}
		if text.Len() > 0 {
			entry["content"] = text.String()
		}
		if len(calls) > 0 {
			entry["tool_calls"] = calls
		}
		out = append(out, entry)
	}
	return out
}

func toOpenAITools(tools []llms.Tool) []map[string]any {
	if len(tools) == 0 {
		return nil
	}
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Function.Name,
				"description": t.Function.Description,
				"parameters":  t.Function.Parameters,
			},
		})
	}
	return out
}

// toAnthropicMessages splits a langchaingo message list into Anthropic's
// separate top-level system string and a user/assistant message array,
// since Anthropic (unlike the OpenAI schema) does not accept a "system"
// role inline in messages.
func toAnthropicMessages(messages []llms.MessageContent) (system string, msgs []map[string]any) {
	var sys strings.Builder
	for _, m := range messages {
		if m.Role == llms.ChatMessageTypeSystem {
			for _, part := range m.Parts {
				if tp, ok := part.(llms.TextContent); ok {
					sys.WriteString(tp.Text)
				}
			}
			continue
		}

		role := "user"
		if m.Role == llms.ChatMessageTypeAI {
			role = "assistant"
		}

		var content []map[string]any
		for _, part := range m.Parts {
			switch p := part.(type) {
			case llms.TextContent:
				content = append(content, map[string]any{"type": "text", "text": p.Text})
			case llms.ToolCall:
				var args any
				_ = json.Unmarshal([]byte(p.FunctionCall.Arguments), &args)
				content = append(content, map[string]any{
					"type":  "tool_use",
					"id":    p.ID,
					"name":  p.FunctionCall.Name,
					"input": args,
				})
			case llms.ToolCallResponse:
				role = "user"
				content = append(content, map[string]any{
					"type":        "tool_result",
					"tool_use_id": p.ToolCallID,
					"content":     p.Content,
				})
			}
		}
		msgs = append(msgs, map[string]any{"role": role, "content": content})
	}
	return sys.String(), msgs
}

func toAnthropicTools(tools []llms.Tool) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]any{
			"name":         t.Function.Name,
			"description":  t.Function.Description,
			"input_schema": t.Function.Parameters,
		})
	}
	return out
}
