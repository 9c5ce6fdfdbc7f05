package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	isatty "github.com/mattn/go-isatty"
	"go.uber.org/fx"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/chibi-run/chibi/internal/errs"
	"github.com/chibi-run/chibi/internal/home"
	"github.com/chibi-run/chibi/internal/sink"
)

var version = "0.1.0"

type cli struct {
	Version versionCmd `cmd:"" help:"Print version information"`

	SendPrompt      sendPromptCmd      `cmd:"" help:"Send a prompt to a context, running the agentic loop"`
	ListContexts    listContextsCmd    `cmd:"" help:"List known contexts"`
	InspectContext  inspectContextCmd  `cmd:"" help:"Show a context's metadata"`
	ShowLog         showLogCmd         `cmd:"" help:"Show the last N transcript entries"`
	DestroyContext  destroyContextCmd  `cmd:"" help:"Destroy a context"`
	RenameContext   renameContextCmd   `cmd:"" help:"Rename a context"`
	ArchiveHistory  archiveHistoryCmd  `cmd:"" help:"By-name compact a context to transcript.md"`
	CompactContext  compactContextCmd  `cmd:"" help:"Run rolling or full compaction on a context"`
	ClearCache      clearCacheCmd      `cmd:"" help:"Clear a context's tool output cache"`
	CleanupCache    cleanupCacheCmd    `cmd:"" help:"Remove cache entries older than tool_cache_max_age_days across contexts"`
	CheckInbox      checkInboxCmd      `cmd:"" help:"Peek a context's inbox"`
	CheckAllInboxes checkAllInboxesCmd `cmd:"" help:"Peek every context's inbox"`
	SetSystemPrompt setSystemPromptCmd `cmd:"" help:"Write a context's system_prompt.md"`
	SetModel        setModelCmd        `cmd:"" help:"Set a context's configured model"`
	RunPlugin       runPluginCmd       `cmd:"" help:"Run one discovered plugin directly"`
	CallTool        callToolCmd        `cmd:"" help:"Invoke a single tool by name with JSON arguments"`

	JSON  bool `help:"Emit machine-readable JSON events instead of text"`
	Debug bool `help:"Enable debug logging"`
}

type versionCmd struct{}

func (versionCmd) Run(*appContext) error {
	fmt.Printf("chibi %s\n", version)
	return nil
}

// appContext is the composition root every command's Run method
// receives, generalizing an fx-wired providers.go into a plain struct
// built once in main(). fx still does the provider wiring for the
// logger the way providers.go does, but the CLI dispatch itself stays
// direct kong, matching the original kong-only command surface.
type appContext struct {
	layout home.Layout
	logger *slog.Logger
	debug  bool
	json   bool
	sink   sink.Sink
}

// buildSink picks the rich bubbletea terminal sink when both stdout and
// stdin are real TTYs (mirroring the original's own terminal check in
// its run command), falling back to the plain line sink for scripting,
// piping, and --json mode.
func buildSink(jsonMode bool) sink.Sink {
	if !jsonMode && isatty.IsTerminal(os.Stdout.Fd()) && isatty.IsTerminal(os.Stdin.Fd()) {
		return newRichSink()
	}
	return sink.NewPlain(func(line string) { fmt.Println(line) }, jsonMode)
}

func main() {
	var c cli
	parser := kong.Parse(&c, kong.Name("chibi"),
		kong.Description("A durable, multi-context LLM agent."))

	layout, err := resolveLayout()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	logger, err := provisionLogger(layout, c.Debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	app := &appContext{layout: layout, logger: logger, debug: c.Debug, json: c.JSON, sink: buildSink(c.JSON)}

	if err := parser.Run(app); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCodeFor(err))
	}
}

func resolveLayout() (home.Layout, error) {
	root, err := home.Dir()
	if err != nil {
		return home.Layout{}, err
	}
	layout := home.NewLayout(root)
	if err := os.MkdirAll(layout.Contexts, 0o755); err != nil {
		return home.Layout{}, err
	}
	if err := os.MkdirAll(layout.Plugins, 0o755); err != nil {
		return home.Layout{}, err
	}
	return layout, nil
}

// loggerResult mirrors the original's fx.Out-tagged provider return value,
// the shape fx requires to feed a constructed value into its container.
type loggerResult struct {
	fx.Out
	Logger *slog.Logger
}

// provideLogger sets up rotating file logging (lumberjack under
// <home>/logs), the direct generalization of the original's
// ProvideLogger to chibi's own log path.
func provideLogger(layout home.Layout, debug bool) func() (loggerResult, error) {
	return func() (loggerResult, error) {
		logDir := filepath.Join(layout.Root, "logs")
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return loggerResult{}, err
		}
		logFile := &lumberjack.Logger{
			Filename:   filepath.Join(logDir, "chibi.log"),
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}
		level := slog.LevelInfo
		if debug {
			level = slog.LevelDebug
		}
		return loggerResult{Logger: slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: level}))}, nil
	}
}

// provisionLogger runs a one-shot fx container just to build the logger,
// the same fx.Populate pattern the original uses to pull providers out
// into plain variables at startup before the rest of the program runs
// without fx in the loop.
func provisionLogger(layout home.Layout, debug bool) (*slog.Logger, error) {
	var logger *slog.Logger
	app := fx.New(
		fx.Provide(provideLogger(layout, debug)),
		fx.Populate(&logger),
		fx.NopLogger,
	)
	if err := app.Err(); err != nil {
		return nil, err
	}
	ctx := context.Background()
	if err := app.Start(ctx); err != nil {
		return nil, err
	}
	defer app.Stop(ctx)
	return logger, nil
}

func exitCodeFor(err error) int {
	// Structural errors (invalid input, not found, permission denied) map
	// to distinct non-zero codes; everything else is a generic failure.
	switch errs.KindOf(err) {
	case errs.InvalidInput:
		return 2
	case errs.NotFound:
		return 3
	case errs.PermissionDenied:
		return 4
	default:
		return 1
	}
}
