package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	koanftoml "github.com/knadh/koanf/parsers/toml/v2"
	koanfenv "github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	koanf "github.com/knadh/koanf/v2"
	"github.com/tmc/langchaingo/llms"
	"github.com/yargevad/filepathx"
	"github.com/zalando/go-keyring"

	"github.com/chibi-run/chibi/internal/agentloop"
	"github.com/chibi-run/chibi/internal/cache"
	"github.com/chibi-run/chibi/internal/compact"
	"github.com/chibi-run/chibi/internal/config"
	"github.com/chibi-run/chibi/internal/entry"
	"github.com/chibi-run/chibi/internal/errs"
	"github.com/chibi-run/chibi/internal/home"
	"github.com/chibi-run/chibi/internal/inbox"
	"github.com/chibi-run/chibi/internal/llmgateway"
	"github.com/chibi-run/chibi/internal/partition"
	"github.com/chibi-run/chibi/internal/registry"
	"github.com/chibi-run/chibi/internal/sink"
	"github.com/chibi-run/chibi/internal/tools"
	"github.com/chibi-run/chibi/internal/window"
)

const keyringService = "chibi"

// resolveConfig builds the layered config stack (defaults, global,
// models, context-local, environment, runtime overrides) and hands it
// to internal/config.Resolve, keeping layer construction (locating
// files, reading secrets) here in the host. models.toml is keyed on
// model name (each model gets its own TOML table, optionally with an
// "aliases" list); the model layer is built from the table matching the
// model resolved from the non-models layers, after alias lookup.
func resolveConfig(layout home.Layout, ctxDir string, overrides map[string]any) (config.ResolvedConfig, error) {
	defaultsK := config.Defaults()

	global := koanf.New(".")
	_ = global.Load(file.Provider(layout.Config), koanftoml.Parser())

	local := koanf.New(".")
	_ = local.Load(file.Provider(filepath(ctxDir, "local.toml")), koanftoml.Parser())

	envLayer := koanf.New(".")
	_ = envLayer.Load(koanfenv.Provider(".", koanfenv.Opt{
		Prefix: "CHIBI_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, "CHIBI_")), "_", ".")
			return key, value
		},
	}), nil)

	runtimeLayer := koanf.New(".")
	for k, v := range overrides {
		_ = runtimeLayer.Set(k, v)
	}

	// Resolve the candidate model name from every layer except models.toml,
	// so the model metadata table can then be selected by that name.
	candidate := koanf.New(".")
	_ = candidate.Merge(defaultsK)
	_ = candidate.Merge(global)
	_ = candidate.Merge(local)
	_ = candidate.Merge(envLayer)
	_ = candidate.Merge(runtimeLayer)
	modelName := candidate.String("model")

	rawModels := koanf.New(".")
	_ = rawModels.Load(file.Provider(layout.Models), koanftoml.Parser())

	models := koanf.New(".")
	if canonical := resolveModelAlias(rawModels, modelName); canonical != "" {
		models = rawModels.Cut(canonical)
	}

	layers := []config.Layer{
		{Name: "defaults", K: defaultsK},
		{Name: "global", K: global},
		{Name: "models", K: models},
		{Name: "context-local", K: local},
		{Name: "env", K: envLayer},
	}
	if len(overrides) > 0 {
		layers = append(layers, config.Layer{Name: "runtime", K: runtimeLayer})
	}

	supportsToolCalls := models.String("supports_tool_calls") != "false"
	cfg, err := config.Resolve(supportsToolCalls, layers...)
	if err != nil {
		return config.ResolvedConfig{}, err
	}

	if cfg.APIKey == "" {
		if key, kerr := keyring.Get(keyringService, cfg.Model); kerr == nil {
			cfg.APIKey = key
		}
	}
	return cfg, nil
}

// resolveModelAlias finds modelName's canonical top-level table key in
// models.toml: a direct match, or a match against that table's "aliases"
// list. Returns "" when modelName is empty or models.toml has no
// matching table (the models layer stays empty in that case).
func resolveModelAlias(rawModels *koanf.Koanf, modelName string) string {
	if modelName == "" {
		return ""
	}
	raw := rawModels.Raw()
	if _, ok := raw[modelName]; ok {
		return modelName
	}
	for key := range raw {
		for _, alias := range rawModels.Strings(key + ".aliases") {
			if alias == modelName {
				return key
			}
		}
	}
	return ""
}

func filepath(dir, name string) string { return dir + string(os.PathSeparator) + name }

// expandAllowedPaths resolves ** glob patterns in file_tools_allowed_paths
// (e.g. "/srv/project/**/docs") into concrete directories, the same
// wildcard convention the original's read_many_files tool supports.
// Entries without glob metacharacters pass through unchanged.
func expandAllowedPaths(patterns []string) []string {
	var out []string
	for _, p := range patterns {
		if !strings.ContainsAny(p, "*?[") {
			out = append(out, p)
			continue
		}
		matches, err := filepathx.Glob(p)
		if err != nil || len(matches) == 0 {
			out = append(out, p)
			continue
		}
		out = append(out, matches...)
	}
	return out
}

func buildDeps(app *appContext, ctxName string, cfg config.ResolvedConfig) (*agentloop.Deps, error) {
	ctxDir := app.layout.ContextDir(ctxName)
	ctxLayout := home.NewContext(ctxDir)
	if err := ctxLayout.EnsureDirs(); err != nil {
		return nil, err
	}

	mgr, err := partition.Load(ctxLayout.TranscriptDir, partition.Policy{
		MaxEntries:    &cfg.Storage.MaxEntries,
		MaxAgeSeconds: &cfg.Storage.MaxAgeSeconds,
		MaxTokens:     &cfg.Storage.MaxTokens,
		BytesPerToken: 3,
		BloomEnabled:  true,
	}, nil)
	if err != nil {
		return nil, err
	}

	proj := window.New(ctxLayout, mgr, ctxName)

	providerSpec := llmgateway.ProviderSpec{
		Provider: "anthropic",
		Model:    cfg.Model,
		APIKey:   cfg.APIKey,
	}
	model, err := llmgateway.NewModel(context.Background(), providerSpec)
	if err != nil {
		return nil, err
	}
	gateway := llmgateway.New(model, providerSpec)

	store := cache.New(ctxLayout.CacheDir)
	handoff := tools.NewHandoff(tools.UserTarget(""))
	hooks := tools.NewHookSet()
	reg := tools.NewRegistry(hooks)

	tools.RegisterBuiltins(reg, tools.BuiltinDeps{
		TodosPath:      ctxLayout.Todos,
		GoalsPath:      ctxLayout.Goals,
		ReflectionPath: ctxLayout.Reflection,
		Hooks:          hooks,
		Handoff:        handoff,
		SendToInbox: func(to, content string) error {
			return inbox.Send(app.layout, to, ctxName, content)
		},
		Recurse: func(prompt string) {
			if prompt != "" {
				app.sink.Handle(sink.Diagnostic{Message: "recursing: " + prompt, VerboseOnly: true})
			}
		},
		SpawnAgent: func(ctx context.Context, prompt string) (string, error) {
			res, err := gateway.Chat(ctx, []llms.MessageContent{
				llms.TextParts(llms.ChatMessageTypeHuman, prompt),
			}, nil, llmgateway.ChatOptions{})
			if err != nil {
				return "", err
			}
			return res.Content, nil
		},
		Summarize: func(ctx context.Context, content string) (string, error) {
			res, err := gateway.Chat(ctx, []llms.MessageContent{
				llms.TextParts(llms.ChatMessageTypeHuman, "Summarize the following content concisely:\n\n"+content),
			}, nil, llmgateway.ChatOptions{})
			if err != nil {
				return "", err
			}
			return res.Content, nil
		},
	})
	tools.RegisterFileTools(reg, tools.FileToolDeps{Store: store, AllowedPaths: expandAllowedPaths(cfg.FileToolsAllowedPaths)})
	if err := tools.DiscoverPlugins(reg, app.layout.Plugins, app.debug); err != nil {
		app.logger.Warn("plugin discovery failed", "error", err)
	}

	comp := compact.New(ctxLayout, ctxName, mgr, proj, gateway, hooks)

	return &agentloop.Deps{
		Ctx:         ctxLayout,
		ContextName: ctxName,
		Transcript:  mgr,
		Projector:   proj,
		Registry:    reg,
		Hooks:       hooks,
		Gateway:     gateway,
		Cache:       store,
		Compactor:   comp,
		Handoff:     handoff,
		Sink:        app.sink,
		Config:      cfg,
	}, nil
}

type sendPromptCmd struct {
	Context string `arg:"" optional:"" default:"default" help:"Context name"`
	Prompt  string `arg:"" help:"Prompt text"`
}

func (c sendPromptCmd) Run(app *appContext) error {
	cfg, err := resolveConfig(app.layout, app.layout.ContextDir(c.Context), nil)
	if err != nil {
		return err
	}
	deps, err := buildDeps(app, c.Context, cfg)
	if err != nil {
		return err
	}
	fuel := cfg.Fuel
	return agentloop.SendPrompt(context.Background(), deps, c.Prompt, agentloop.Options{}, &fuel)
}

type listContextsCmd struct{}

func (listContextsCmd) Run(app *appContext) error {
	reg, err := registry.Load(app.layout, time.Now().Unix())
	if err != nil {
		return err
	}
	for _, rec := range reg.List() {
		fmt.Println(rec.Name)
	}
	return nil
}

type inspectContextCmd struct {
	Context string `arg:"" help:"Context name"`
}

func (c inspectContextCmd) Run(app *appContext) error {
	ctxLayout := home.NewContext(app.layout.ContextDir(c.Context))
	data, err := os.ReadFile(ctxLayout.MetaFile)
	if err != nil {
		return errs.Wrap(errs.NotFound, "InspectContext", "read context_meta.json", err)
	}
	fmt.Println(string(data))
	return nil
}

type showLogCmd struct {
	Context string `arg:"" help:"Context name"`
	Count   int    `arg:"" optional:"" default:"20" help:"Number of entries"`
}

func (c showLogCmd) Run(app *appContext) error {
	ctxLayout := home.NewContext(app.layout.ContextDir(c.Context))
	mgr, err := partition.Load(ctxLayout.TranscriptDir, partition.DefaultPolicy(), nil)
	if err != nil {
		return err
	}
	all, err := mgr.ReadAllEntries()
	if err != nil {
		return err
	}
	start := 0
	if len(all) > c.Count {
		start = len(all) - c.Count
	}
	for _, e := range all[start:] {
		fmt.Printf("[%s] %s -> %s: %s\n", e.EntryType, e.From, e.To, e.Content)
	}
	return nil
}

type destroyContextCmd struct {
	Context string `arg:"" optional:"" default:"default" help:"Context name"`
}

func (c destroyContextCmd) Run(app *appContext) error {
	reg, err := registry.Load(app.layout, time.Now().Unix())
	if err != nil {
		return err
	}
	if err := os.RemoveAll(app.layout.ContextDir(c.Context)); err != nil {
		return errs.Wrap(errs.Io, "DestroyContext", "remove", err)
	}
	return reg.Remove(c.Context)
}

type renameContextCmd struct {
	Old string `arg:"" optional:"" default:"default" help:"Current name"`
	New string `arg:"" help:"New name"`
}

func (c renameContextCmd) Run(app *appContext) error {
	if !entry.ValidName(c.New) {
		return errs.New(errs.InvalidInput, "RenameContext", "invalid context name "+c.New)
	}
	return os.Rename(app.layout.ContextDir(c.Old), app.layout.ContextDir(c.New))
}

type archiveHistoryCmd struct {
	Context string `arg:"" optional:"" default:"default" help:"Context name"`
}

func (c archiveHistoryCmd) Run(app *appContext) error {
	cfg, err := resolveConfig(app.layout, app.layout.ContextDir(c.Context), nil)
	if err != nil {
		return err
	}
	deps, err := buildDeps(app, c.Context, cfg)
	if err != nil {
		return err
	}
	return deps.Compactor.ByNameCompaction()
}

type compactContextCmd struct {
	Context string `arg:"" optional:"" default:"default" help:"Context name"`
	Full    bool   `help:"Run full compaction instead of rolling"`
}

func (c compactContextCmd) Run(app *appContext) error {
	cfg, err := resolveConfig(app.layout, app.layout.ContextDir(c.Context), nil)
	if err != nil {
		return err
	}
	deps, err := buildDeps(app, c.Context, cfg)
	if err != nil {
		return err
	}
	win, err := deps.Projector.WindowFor()
	if err != nil {
		return err
	}
	if c.Full {
		return deps.Compactor.FullCompaction(context.Background(), win, "")
	}
	return deps.Compactor.RollingCompact(context.Background(), win, cfg.RollingCompactDropPercentage, "")
}

type clearCacheCmd struct {
	Context string `arg:"" optional:"" default:"default" help:"Context name"`
}

func (c clearCacheCmd) Run(app *appContext) error {
	ctxLayout := home.NewContext(app.layout.ContextDir(c.Context))
	return os.RemoveAll(ctxLayout.CacheDir)
}

type cleanupCacheCmd struct {
	MaxAgeDays int `help:"Override tool_cache_max_age_days" default:"30"`
}

func (c cleanupCacheCmd) Run(app *appContext) error {
	entries, err := os.ReadDir(app.layout.Contexts)
	if err != nil {
		return errs.Wrap(errs.Io, "CleanupCache", "readdir", err)
	}
	total := 0
	for _, de := range entries {
		if !de.IsDir() {
			continue
		}
		ctxLayout := home.NewContext(app.layout.ContextDir(de.Name()))
		store := cache.New(ctxLayout.CacheDir)
		n, err := store.CleanupOlderThan(c.MaxAgeDays)
		if err != nil {
			continue
		}
		total += n
	}
	fmt.Printf("removed %d cache entries\n", total)
	return nil
}

type checkInboxCmd struct {
	Context string `arg:"" help:"Context name"`
}

func (c checkInboxCmd) Run(app *appContext) error {
	ctxLayout := home.NewContext(app.layout.ContextDir(c.Context))
	msgs, err := inbox.Peek(ctxLayout)
	if err != nil {
		return err
	}
	data, _ := json.Marshal(msgs)
	fmt.Println(string(data))
	return nil
}

type checkAllInboxesCmd struct{}

func (checkAllInboxesCmd) Run(app *appContext) error {
	entries, err := os.ReadDir(app.layout.Contexts)
	if err != nil {
		return errs.Wrap(errs.Io, "CheckAllInboxes", "readdir", err)
	}
	count := 0
	for _, de := range entries {
		if !de.IsDir() {
			continue
		}
		ctxLayout := home.NewContext(app.layout.ContextDir(de.Name()))
		msgs, err := inbox.Peek(ctxLayout)
		if err != nil {
			continue
		}
		count += len(msgs)
	}
	fmt.Printf("%d pending inbox messages across all contexts\n", count)
	return nil
}

type setSystemPromptCmd struct {
	Context string `arg:"" optional:"" default:"default" help:"Context name"`
	Prompt  string `arg:"" help:"System prompt text"`
}

func (c setSystemPromptCmd) Run(app *appContext) error {
	ctxLayout := home.NewContext(app.layout.ContextDir(c.Context))
	if err := ctxLayout.EnsureDirs(); err != nil {
		return err
	}
	return os.WriteFile(ctxLayout.SystemPrompt, []byte(c.Prompt), 0o644)
}

type setModelCmd struct {
	Context string `arg:"" optional:"" default:"default" help:"Context name"`
	Model   string `arg:"" help:"Model name"`
	APIKey  string `help:"Store an API key for this model in the OS keyring instead of config.toml"`
}

func (c setModelCmd) Run(app *appContext) error {
	ctxDir := app.layout.ContextDir(c.Context)
	localPath := filepath(ctxDir, "local.toml")
	k := koanf.New(".")
	_ = k.Load(file.Provider(localPath), koanftoml.Parser())
	if err := k.Set("model", c.Model); err != nil {
		return err
	}
	data, err := k.Marshal(koanftoml.Parser())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(ctxDir, 0o755); err != nil {
		return errs.Wrap(errs.Io, "SetModel", "mkdir", err)
	}
	if err := os.WriteFile(localPath, data, 0o644); err != nil {
		return err
	}
	if c.APIKey != "" {
		if err := keyring.Set(keyringService, c.Model, c.APIKey); err != nil {
			return errs.Wrap(errs.Io, "SetModel", "store API key in keyring", err)
		}
	}
	return nil
}

type runPluginCmd struct {
	Name string `arg:"" help:"Plugin tool name"`
	Args string `arg:"" optional:"" help:"JSON arguments"`
}

func (c runPluginCmd) Run(app *appContext) error {
	hooks := tools.NewHookSet()
	reg := tools.NewRegistry(hooks)
	if err := tools.DiscoverPlugins(reg, app.layout.Plugins, app.debug); err != nil {
		return err
	}
	res, err := reg.Execute(context.Background(), c.Name, c.Args)
	if err != nil {
		return err
	}
	fmt.Println(res.Text)
	return nil
}

type callToolCmd struct {
	Context string `arg:"" help:"Context name"`
	Name    string `arg:"" help:"Tool name"`
	Args    string `arg:"" optional:"" help:"JSON arguments"`
}

func (c callToolCmd) Run(app *appContext) error {
	cfg, err := resolveConfig(app.layout, app.layout.ContextDir(c.Context), nil)
	if err != nil {
		return err
	}
	deps, err := buildDeps(app, c.Context, cfg)
	if err != nil {
		return err
	}
	res, err := deps.Registry.Execute(context.Background(), c.Name, c.Args)
	if err != nil {
		return err
	}
	fmt.Println(res.Text)
	return nil
}
