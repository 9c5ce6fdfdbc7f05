// Package sink defines the event-oriented presentation interface that
// decouples the core from any particular UI. The core only ever calls
// Sink.Handle; cmd/chibi supplies the terminal implementation built
// from the bubbletea/lipgloss/glamour presentation stack.
package sink

import "encoding/json"

// Event is the closed set of things the core reports to a sink.
type Event interface {
	isEvent()
}

type TextChunk struct{ Text string }

type TranscriptEntryEvent struct {
	ID        string
	From      string
	To        string
	Content   string
	EntryType string
}

type Diagnostic struct {
	Message     string
	VerboseOnly bool
}

type ToolStart struct{ Name string }

type ToolResult struct {
	Name   string
	Result string
	Cached bool
}

type StartResponse struct{}
type Finished struct{}
type Newline struct{}

type AutoDestroyed struct{ Count int }

type CacheCleanup struct {
	Removed int
}

type CompactionComplete struct {
	Mode    string
	Summary string
}

type InboxesProcessed struct{ Count int }

type LoadSummary struct {
	Builtin int
	Plugins int
}

func (TextChunk) isEvent()           {}
func (TranscriptEntryEvent) isEvent() {}
func (Diagnostic) isEvent()          {}
func (ToolStart) isEvent()           {}
func (ToolResult) isEvent()          {}
func (StartResponse) isEvent()       {}
func (Finished) isEvent()            {}
func (Newline) isEvent()             {}
func (AutoDestroyed) isEvent()       {}
func (CacheCleanup) isEvent()        {}
func (CompactionComplete) isEvent()  {}
func (InboxesProcessed) isEvent()    {}
func (LoadSummary) isEvent()         {}

// Sink receives every event the core emits. The core never performs
// presentation-dependent formatting; IsJSONMode tells a sink's caller
// whether machine-readable output was requested.
type Sink interface {
	Handle(e Event)
	IsJSONMode() bool
}

// Plain is a line-callback sink used for scripting/JSON mode and tests.
// In JSON mode every event is written as one JSON line; in text mode
// only TextChunk, Diagnostic, ToolStart, ToolResult and Newline produce
// a line, and other events are dropped.
type Plain struct {
	Write    func(line string)
	JSONMode bool
}

// NewPlain builds a Plain sink writing each line through write.
func NewPlain(write func(string), jsonMode bool) *Plain {
	return &Plain{Write: write, JSONMode: jsonMode}
}

func (p *Plain) IsJSONMode() bool { return p.JSONMode }

func (p *Plain) Handle(e Event) {
	if p.JSONMode {
		data, err := json.Marshal(e)
		if err != nil {
			return
		}
		p.Write(string(data))
		return
	}

	switch v := e.(type) {
	case TextChunk:
		p.Write(v.Text)
	case Diagnostic:
		p.Write("[diagnostic] " + v.Message)
	case ToolStart:
		p.Write("[tool] " + v.Name)
	case ToolResult:
		p.Write("[tool result] " + v.Name + ": " + v.Result)
	case Newline:
		p.Write("")
	}
}

// Capture is a programmatic sink that records every event verbatim,
// used by tests.
type Capture struct {
	Events   []Event
	JSONMode bool
}

func (c *Capture) IsJSONMode() bool { return c.JSONMode }
func (c *Capture) Handle(e Event)   { c.Events = append(c.Events, e) }
