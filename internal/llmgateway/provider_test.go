package llmgateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewModelFake(t *testing.T) {
	m, err := NewModel(context.Background(), ProviderSpec{Provider: "fake"})
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func TestNewModelOpenAI(t *testing.T) {
	m, err := NewModel(context.Background(), ProviderSpec{Provider: "openai", Model: "gpt-4", APIKey: "sk-test"})
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func TestNewModelAnthropicWithAPIKey(t *testing.T) {
	m, err := NewModel(context.Background(), ProviderSpec{Provider: "anthropic", Model: "claude-3", APIKey: "sk-ant-test"})
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func TestNewModelGoogleAIRequiresAPIKey(t *testing.T) {
	_, err := NewModel(context.Background(), ProviderSpec{Provider: "googleai"})
	assert.Error(t, err)
}

func TestNewModelUnsupportedProvider(t *testing.T) {
	_, err := NewModel(context.Background(), ProviderSpec{Provider: "bogus"})
	assert.Error(t, err)
}

func TestOAuthTransportInjectsBearerHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	transport := &oauthTransport{token: "tok123", base: http.DefaultTransport}
	client := &http.Client{Transport: transport}

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "Bearer tok123", gotAuth)
}
