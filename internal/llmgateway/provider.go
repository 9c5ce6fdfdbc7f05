// Package llmgateway abstracts the LLM provider behind a two-operation
// contract: a non-streaming Chat for compaction and sub-agent calls, and
// a StreamChat that yields raw deltas for the agentic loop to
// accumulate itself. Non-streaming calls go through langchaingo's
// provider clients, generalized directly from an original newLLMClient
// switch. Streaming goes through a raw SSE decoder (see stream.go)
// because the delta contract — integer tool-call indices, lazily
// created accumulator slots, a MAX_TOOL_CALLS guard — is a wire-level
// contract langchaingo's streaming callback does not expose; it only
// surfaces the final assembled choice once the stream ends.
package llmgateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/fake"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/chibi-run/chibi/internal/errs"
)

// ProviderSpec is the subset of ResolvedConfig the gateway needs to build
// a provider client, kept decoupled from internal/config to avoid an
// import cycle (config.APIOptions is passed through to CallOptions by
// the caller, not read here).
type ProviderSpec struct {
	Provider  string
	Model     string
	APIKey    string
	BaseURL   string
	AuthToken string // OAuth access token, preferred over APIKey when set (anthropic only)
}

// NewModel builds the langchaingo provider client for non-streaming chat.
func NewModel(ctx context.Context, spec ProviderSpec) (llms.Model, error) {
	switch spec.Provider {
	case "fake":
		return fake.NewFakeLLM([]string{}), nil

	case "ollama":
		opts := []ollama.Option{ollama.WithModel(spec.Model)}
		if spec.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(spec.BaseURL))
		}
		return ollama.New(opts...)

	case "openai":
		opts := []openai.Option{openai.WithModel(spec.Model)}
		if spec.APIKey != "" {
			opts = append(opts, openai.WithToken(spec.APIKey))
		}
		if spec.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(spec.BaseURL))
		}
		return openai.New(opts...)

	case "anthropic":
		opts := []anthropic.Option{anthropic.WithModel(spec.Model)}
		switch {
		case spec.AuthToken != "":
			opts = append(opts, anthropic.WithToken("oauth-placeholder"))
			opts = append(opts, anthropic.WithHTTPClient(&http.Client{
				Transport: &oauthTransport{token: spec.AuthToken, base: http.DefaultTransport},
			}))
		case spec.APIKey != "":
			opts = append(opts, anthropic.WithToken(spec.APIKey))
		}
		if spec.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(spec.BaseURL))
		}
		return anthropic.New(opts...)

	case "googleai":
		if spec.APIKey == "" {
			return nil, errs.New(errs.InvalidInput, "llmgateway.NewModel", "missing API key for googleai")
		}
		return googleai.New(ctx,
			googleai.WithDefaultModel(spec.Model),
			googleai.WithAPIKey(spec.APIKey),
		)

	default:
		return nil, errs.New(errs.InvalidInput, "llmgateway.NewModel", fmt.Sprintf("unsupported provider %q", spec.Provider))
	}
}

// oauthTransport injects a bearer token the way the anthropic client
// itself can't, since its WithToken option is validated as an opaque API
// key rather than an OAuth access token.
type oauthTransport struct {
	token string
	base  http.RoundTripper
}

func (t *oauthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}
