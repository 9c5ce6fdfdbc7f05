// Package config merges the layered configuration stack into a single
// ResolvedConfig. Locating the files (global config.toml, models.toml,
// context-local local.toml, and secrets) is the hosting CLI's job; this
// package only knows how to merge already-decoded layers in priority
// order.
package config

import (
	"strings"

	koanf "github.com/knadh/koanf/v2"
)

// Layer is one already-loaded configuration source. Higher-priority layers
// passed later to Resolve win over earlier ones, key by key.
type Layer struct {
	Name string
	K    *koanf.Koanf
}

// APIOptions holds provider-specific request knobs, passed through verbatim.
type APIOptions struct {
	Temperature        *float64       `koanf:"temperature"`
	MaxTokens          *int           `koanf:"max_tokens"`
	TopP               *float64       `koanf:"top_p"`
	Stop               []string       `koanf:"stop"`
	Seed               *int           `koanf:"seed"`
	ToolChoice         string         `koanf:"tool_choice"`
	ParallelToolCalls  *bool          `koanf:"parallel_tool_calls"`
	FrequencyPenalty   *float64       `koanf:"frequency_penalty"`
	PresencePenalty    *float64       `koanf:"presence_penalty"`
	ResponseFormat     string         `koanf:"response_format"`
	Reasoning          ReasoningOpts  `koanf:"reasoning"`
	PromptCaching      bool           `koanf:"prompt_caching"`
}

// ReasoningOpts configures extended-thinking/reasoning models.
type ReasoningOpts struct {
	Effort    string `koanf:"effort"`
	MaxTokens int    `koanf:"max_tokens"`
	Exclude   bool   `koanf:"exclude"`
	Enabled   bool   `koanf:"enabled"`
}

// StorageOpts carries partition rotation thresholds through to C2.
type StorageOpts struct {
	MaxEntries    int64 `koanf:"max_entries"`
	MaxAgeSeconds int64 `koanf:"max_age_seconds"`
	MaxTokens     int64 `koanf:"max_tokens"`
}

// ToolsFilter narrows the tool registry down to an allow/deny set.
type ToolsFilter struct {
	Allow []string `koanf:"allow"`
	Deny  []string `koanf:"deny"`
}

// ResolvedConfig is the merged view every other component consumes.
type ResolvedConfig struct {
	APIKey                       string      `koanf:"api_key"`
	Model                        string      `koanf:"model"`
	ContextWindowLimit           int64       `koanf:"context_window_limit"`
	WarnThresholdPercent         int         `koanf:"warn_threshold_percent"`
	AutoCompact                  bool        `koanf:"auto_compact"`
	AutoCompactThreshold         int         `koanf:"auto_compact_threshold"`
	RollingCompactDropPercentage int         `koanf:"rolling_compact_drop_percentage"`
	Fuel                         float64     `koanf:"fuel"`
	FuelEmptyResponseCost        float64     `koanf:"fuel_empty_response_cost"`
	MaxRecursionDepth            int         `koanf:"max_recursion_depth"`
	ReflectionEnabled            bool        `koanf:"reflection_enabled"`
	ReflectionCharacterLimit     int         `koanf:"reflection_character_limit"`
	ToolOutputCacheThreshold     int64       `koanf:"tool_output_cache_threshold"`
	ToolCachePreviewChars        int         `koanf:"tool_cache_preview_chars"`
	ToolCacheMaxAgeDays          int         `koanf:"tool_cache_max_age_days"`
	AutoCleanupCache             bool        `koanf:"auto_cleanup_cache"`
	FileToolsAllowedPaths        []string    `koanf:"file_tools_allowed_paths"`
	FallbackTool                 string      `koanf:"fallback_tool"`
	Tools                        ToolsFilter `koanf:"tools"`
	API                          APIOptions  `koanf:"api"`
	Username                     string      `koanf:"username"`
	Storage                      StorageOpts `koanf:"storage"`

	// NoToolCalls is forced true when model metadata's supports_tool_calls
	// is false, overriding any layer that tried to enable tool calls.
	NoToolCalls bool `koanf:"no_tool_calls"`
}

// Defaults returns the built-in, lowest-priority layer (layer 5).
func Defaults() *koanf.Koanf {
	k := koanf.New(".")
	_ = k.Load(mapProvider(map[string]any{
		"context_window_limit":            200000,
		"warn_threshold_percent":          80,
		"auto_compact":                    true,
		"auto_compact_threshold":          90,
		"rolling_compact_drop_percentage": 50,
		"fuel":                            100.0,
		"fuel_empty_response_cost":        1.0,
		"max_recursion_depth":             25,
		"reflection_enabled":              false,
		"reflection_character_limit":      4000,
		"tool_output_cache_threshold":     8192,
		"tool_cache_preview_chars":        2000,
		"tool_cache_max_age_days":         30,
		"auto_cleanup_cache":              true,
		"fallback_tool":                   "call_user",
		"storage.max_entries":             1000,
		"storage.max_age_seconds":         2592000,
		"storage.max_tokens":              0,
	}), nil)
	return k
}

// Resolve merges layers in the order given — later layers win — and
// applies the supports_tool_calls capability constraint.
func Resolve(supportsToolCalls bool, layers ...Layer) (ResolvedConfig, error) {
	merged := koanf.New(".")
	for _, l := range layers {
		if l.K == nil {
			continue
		}
		if err := merged.Merge(l.K); err != nil {
			return ResolvedConfig{}, err
		}
	}

	var out ResolvedConfig
	if err := merged.Unmarshal("", &out); err != nil {
		return ResolvedConfig{}, err
	}

	if !supportsToolCalls {
		out.NoToolCalls = true
	}
	return out, nil
}

// mapProvider adapts a plain map into a koanf provider without pulling in
// the confmap sub-module; koanf's Load only needs Provider.ReadBytes or
// Provider.Read, and a map satisfies Read directly.
type staticProvider map[string]any

func mapProvider(m map[string]any) staticProvider { return staticProvider(m) }

func (s staticProvider) Read() (map[string]any, error) { return unflatten(s), nil }

func (s staticProvider) ReadBytes() ([]byte, error) { return nil, nil }

// unflatten expands dotted keys ("storage.max_entries") into nested maps,
// the structure koanf.Load expects from a Provider.Read result.
func unflatten(flat map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range flat {
		parts := strings.Split(k, ".")
		cur := out
		for i, p := range parts {
			if i == len(parts)-1 {
				cur[p] = v
				continue
			}
			next, ok := cur[p].(map[string]any)
			if !ok {
				next = map[string]any{}
				cur[p] = next
			}
			cur = next
		}
	}
	return out
}
