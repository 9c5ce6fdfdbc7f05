package llmgateway

import (
	"context"

	"github.com/tmc/langchaingo/llms"

	"github.com/chibi-run/chibi/internal/errs"
)

// ChatResult is the non-streaming chat contract.
type ChatResult struct {
	Content   string
	ToolCalls []llms.ToolCall
	Usage     map[string]any
	Model     string
	ID        string
}

// ChatOptions carries the api.* knobs from ResolvedConfig through to the
// provider call.
type ChatOptions struct {
	Temperature       *float64
	MaxTokens         *int
	TopP              *float64
	Stop              []string
	Seed              *int
	ToolChoice        string
	ParallelToolCalls *bool
	NoToolCalls       bool
}

// Gateway wraps one provider client for both non-streaming and streaming
// use. spec is kept alongside the langchaingo model because StreamChat
// talks to the provider's raw text/event-stream endpoint directly,
// bypassing langchaingo's own HTTP client entirely.
type Gateway struct {
	model llms.Model
	spec  ProviderSpec
}

// New wraps an already-constructed provider client.
func New(model llms.Model, spec ProviderSpec) *Gateway { return &Gateway{model: model, spec: spec} }

// Chat performs a single non-streaming completion, used by compaction and
// sub-agent calls.
func (g *Gateway) Chat(ctx context.Context, messages []llms.MessageContent, tools []llms.Tool, opts ChatOptions) (ChatResult, error) {
	callOpts := buildCallOptions(tools, opts)

	resp, err := g.model.GenerateContent(ctx, messages, callOpts...)
	if err != nil {
		return ChatResult{}, errs.Wrap(errs.Protocol, "llmgateway.Chat", "generate", err)
	}
	if len(resp.Choices) == 0 {
		return ChatResult{}, errs.New(errs.Protocol, "llmgateway.Chat", "empty response choices")
	}
	choice := resp.Choices[0]

	return ChatResult{
		Content:   choice.Content,
		ToolCalls: choice.ToolCalls,
		Usage:     choice.GenerationInfo,
	}, nil
}

func buildCallOptions(tools []llms.Tool, opts ChatOptions) []llms.CallOption {
	var callOpts []llms.CallOption
	if len(tools) > 0 && !opts.NoToolCalls {
		callOpts = append(callOpts, llms.WithTools(tools))
		if opts.ToolChoice != "" {
			callOpts = append(callOpts, llms.WithToolChoice(opts.ToolChoice))
		}
	}
	if opts.Temperature != nil {
		callOpts = append(callOpts, llms.WithTemperature(*opts.Temperature))
	}
	if opts.MaxTokens != nil {
		callOpts = append(callOpts, llms.WithMaxTokens(*opts.MaxTokens))
	}
	if opts.TopP != nil {
		callOpts = append(callOpts, llms.WithTopP(*opts.TopP))
	}
	if len(opts.Stop) > 0 {
		callOpts = append(callOpts, llms.WithStopWords(opts.Stop))
	}
	if opts.Seed != nil {
		callOpts = append(callOpts, llms.WithSeed(*opts.Seed))
	}
	return callOpts
}
