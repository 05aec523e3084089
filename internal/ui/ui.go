package ui

import (
	"fmt"
	"strings"

	"github.com/MisonL/semantic-tester/internal/dispatch"
	"github.com/MisonL/semantic-tester/internal/models"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

// ViewState represents the current view in the TUI.
type ViewState int

const (
	RunningView ViewState = iota
	SummaryView
)

// logLines is how many recent status lines the running view keeps on screen.
const logLines = 8

// Model represents the batch monitor state.
//
// The monitor is a passive consumer: the dispatcher runs in its own goroutine
// and the model only renders the events it emits. Closing the event channel
// moves the monitor to the summary view.
type Model struct {
	view    ViewState
	events  <-chan dispatch.Event
	total   int
	skipped int

	completed int
	abandoned int
	matches   int
	mismatch  int
	uncertain int
	inflight  map[string]string // task ID -> channel
	exhausted []string
	recent    []string

	spinner spinner.Model
	help    help.Model
	keys    keyMap
	width   int
}

// keyMap defines the key bindings for the monitor.
type keyMap struct {
	quit key.Binding
}

func newKeyMap() keyMap {
	return keyMap{
		quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

func (k keyMap) ShortHelp() []key.Binding { return []key.Binding{k.quit} }

func (k keyMap) FullHelp() [][]key.Binding { return [][]key.Binding{{k.quit}} }

type eventMsg dispatch.Event

type eventsClosedMsg struct{}

// NewModel creates a monitor over a dispatcher's event stream. total is the
// number of tasks submitted this run; skipped counts tasks already settled by
// a prior run.
func NewModel(events <-chan dispatch.Event, total, skipped int) *Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = styles.title

	return &Model{
		view:     RunningView,
		events:   events,
		total:    total,
		skipped:  skipped,
		inflight: map[string]string{},
		spinner:  s,
		help:     help.New(),
		keys:     newKeyMap(),
	}
}

// Init starts the spinner and the event pump.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForEvent())
}

// Update handles incoming messages and updates the model state.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, m.keys.quit) {
			return m, tea.Quit
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		m.apply(dispatch.Event(msg))
		return m, m.waitForEvent()

	case eventsClosedMsg:
		m.view = SummaryView
		return m, nil
	}

	return m, nil
}

// View renders the UI based on the current view state.
func (m *Model) View() string {
	switch m.view {
	case RunningView:
		return m.renderRunning()
	case SummaryView:
		return m.renderSummary()
	default:
		return ""
	}
}

func (m *Model) apply(event dispatch.Event) {
	switch event.Kind {
	case dispatch.TaskStarted:
		m.inflight[event.TaskID] = event.Channel

	case dispatch.TaskRetrying:
		delete(m.inflight, event.TaskID)
		m.pushLog(styles.warn.Render(fmt.Sprintf("Retrying %s: %s", event.TaskID, event.Reason)))

	case dispatch.TaskCompleted:
		delete(m.inflight, event.TaskID)
		line := fmt.Sprintf("%s → %s", event.TaskID, event.Verdict)
		switch event.Verdict {
		case models.VerdictMatch:
			m.matches++
			m.completed++
			m.pushLog(styles.ok.Render(line))
		case models.VerdictMismatch:
			m.mismatch++
			m.completed++
			m.pushLog(line)
		case models.VerdictUncertain:
			m.uncertain++
			m.completed++
			m.pushLog(styles.warn.Render(line))
		case models.VerdictError:
			m.abandoned++
			m.pushLog(styles.err.Render(line))
		}

	case dispatch.ChannelExhausted:
		m.exhausted = append(m.exhausted, event.Channel)
		m.pushLog(styles.err.Render(fmt.Sprintf("Channel %s exhausted: %s", event.Channel, event.Reason)))

	case dispatch.BatchFinished:
		m.completed = event.Completed
		m.abandoned = event.Abandoned
	}
}

func (m *Model) pushLog(line string) {
	m.recent = append(m.recent, line)
	if len(m.recent) > logLines {
		m.recent = m.recent[len(m.recent)-logLines:]
	}
}

func (m *Model) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		event, ok := <-m.events
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg(event)
	}
}

func (m *Model) renderRunning() string {
	done := m.completed + m.abandoned
	title := styles.title.Render(fmt.Sprintf("%s Verifying answers (%d/%d)", m.spinner.View(), done, m.total))

	var b strings.Builder
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(m.renderCounts())
	b.WriteString("\n\n")

	if len(m.inflight) > 0 {
		b.WriteString(fmt.Sprintf("In flight: %d\n", len(m.inflight)))
	}
	for _, line := range m.recent {
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.help.ShortHelpView([]key.Binding{m.keys.quit}))
	return b.String()
}

func (m *Model) renderSummary() string {
	title := styles.title.Render("Batch finished")
	if m.abandoned > 0 {
		title = styles.warn.Render("Batch finished with abandoned tasks")
	}

	var b strings.Builder
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(m.renderCounts())
	b.WriteString("\n")

	if m.skipped > 0 {
		b.WriteString(fmt.Sprintf("Skipped (already recorded): %d\n", m.skipped))
	}
	if len(m.exhausted) > 0 {
		b.WriteString(styles.err.Render(fmt.Sprintf("Exhausted channels: %s", strings.Join(m.exhausted, ", "))))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.help.ShortHelpView([]key.Binding{m.keys.quit}))
	return b.String()
}

func (m *Model) renderCounts() string {
	return fmt.Sprintf("%s  %s  %s  %s",
		styles.ok.Render(fmt.Sprintf("match %d", m.matches)),
		fmt.Sprintf("mismatch %d", m.mismatch),
		styles.warn.Render(fmt.Sprintf("uncertain %d", m.uncertain)),
		styles.err.Render(fmt.Sprintf("error %d", m.abandoned)),
	)
}
