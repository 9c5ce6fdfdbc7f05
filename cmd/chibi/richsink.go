package main

import (
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"github.com/chibi-run/chibi/internal/sink"
)

var (
	toolStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true)
	resultStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	diagStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Italic(true)
)

type richModel struct {
	vp       viewport.Model
	sp       spinner.Model
	lines    []string
	width    int
	renderer *glamour.TermRenderer
	done     bool
}

type richEventMsg struct{ event sink.Event }
type richDoneMsg struct{}

func newRichModel() richModel {
	vp := viewport.New(80, 24)
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	renderer, _ := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(0))
	return richModel{vp: vp, sp: sp, width: 80, renderer: renderer}
}

func (m richModel) Init() tea.Cmd { return m.sp.Tick }

func (m richModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch v := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = v.Width
		m.vp.Width = v.Width
		m.vp.Height = v.Height - 1
		m.refresh()
		return m, nil
	case richEventMsg:
		m.apply(v.event)
		m.refresh()
		if m.done {
			return m, tea.Quit
		}
		return m, nil
	case richDoneMsg:
		m.done = true
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.sp, cmd = m.sp.Update(v)
		return m, cmd
	case tea.KeyMsg:
		if v.String() == "ctrl+c" {
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m *richModel) apply(e sink.Event) {
	switch v := e.(type) {
	case sink.TextChunk:
		text := v.Text
		if m.renderer != nil {
			if rendered, err := m.renderer.Render(text); err == nil {
				text = strings.TrimRight(rendered, "\n")
			}
		}
		m.lines = append(m.lines, wordwrap.String(text, maxInt(m.width-2, 20)))
	case sink.ToolStart:
		m.lines = append(m.lines, toolStyle.Render("▸ "+v.Name))
	case sink.ToolResult:
		preview := v.Result
		if len(preview) > 200 {
			preview = preview[:200] + "…"
		}
		m.lines = append(m.lines, resultStyle.Render("  "+preview))
	case sink.Diagnostic:
		m.lines = append(m.lines, diagStyle.Render("! "+v.Message))
	case sink.Newline:
		m.lines = append(m.lines, "")
	case sink.Finished:
		m.done = true
	}
}

func (m *richModel) refresh() {
	m.vp.SetContent(strings.Join(m.lines, "\n"))
	m.vp.GotoBottom()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (m richModel) View() string {
	if m.done {
		return m.vp.View() + "\n"
	}
	return m.vp.View() + "\n" + m.sp.View() + " working...\n"
}

// richSink drives a bubbletea Program rendering chibi's events to a real
// terminal, used when stdout/stdin are TTYs. It adapts the same event set
// the Plain sink consumes, so the agentic loop never branches on
// presentation.
type richSink struct {
	program  *tea.Program
	jsonMode bool
}

func newRichSink() *richSink {
	m := newRichModel()
	p := tea.NewProgram(m)
	rs := &richSink{program: p}
	go func() {
		_, _ = p.Run()
	}()
	return rs
}

func (r *richSink) IsJSONMode() bool { return r.jsonMode }

func (r *richSink) Handle(e sink.Event) {
	r.program.Send(richEventMsg{event: e})
	if _, ok := e.(sink.Finished); ok {
		r.program.Send(richDoneMsg{})
	}
}

