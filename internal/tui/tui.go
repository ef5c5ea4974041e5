// Package tui provides a terminal user interface over the task view.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"taskly/backend"
	"taskly/internal/taskview"
)

// View is the subset of *taskview.View the TUI drives.
type View interface {
	Load(ctx context.Context) taskview.Snapshot
	LoadLocal(ctx context.Context) (taskview.Snapshot, error)
	Add(ctx context.Context, title string) (backend.Task, bool, error)
	Toggle(ctx context.Context, id int) (backend.Task, error)
	Delete(ctx context.Context, id int) error
	SetFilter(f taskview.Filter)
	Snapshot() taskview.Snapshot
}

// Mode indicates the current input mode
type Mode int

const (
	ModeNormal Mode = iota
	ModeAdd
	ModeHelp
	ModeConfirmDelete
)

var filterCycle = []taskview.Filter{taskview.FilterAll, taskview.FilterPending, taskview.FilterCompleted}

// Model represents the TUI state
type Model struct {
	view View
	ctx  context.Context

	snap   taskview.Snapshot
	cursor int
	status string // last action result, cleared on the next key

	mode      Mode
	textInput textinput.Model

	width  int
	height int

	paneStyle      lipgloss.Style
	selectedStyle  lipgloss.Style
	completedStyle lipgloss.Style
	noticeStyle    lipgloss.Style
	errorStyle     lipgloss.Style
	helpStyle      lipgloss.Style
	dialogStyle    lipgloss.Style
	statusBarStyle lipgloss.Style
}

// Message types
type snapshotMsg struct {
	snap   taskview.Snapshot
	status string
}

type errMsg struct {
	err error
}

// ReplicaChangedMsg asks the model to re-read the replica. Send it from a
// replica watcher through tea.Program.Send.
type ReplicaChangedMsg struct{}

// New creates a new TUI model
func New(ctx context.Context, v View) *Model {
	if ctx == nil {
		ctx = context.Background()
	}
	ti := textinput.New()
	ti.Placeholder = "New task title..."
	ti.CharLimit = 256

	return &Model{
		view:      v,
		ctx:       ctx,
		snap:      v.Snapshot(),
		textInput: ti,
		mode:      ModeNormal,
		paneStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1),
		selectedStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")),
		completedStyle: lipgloss.NewStyle().
			Strikethrough(true).
			Foreground(lipgloss.Color("240")),
		noticeStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")),
		errorStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196")),
		helpStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")),
		dialogStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(1, 2),
		statusBarStyle: lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("252")).
			Padding(0, 1),
	}
}

// Init loads the task list
func (m *Model) Init() tea.Cmd {
	return m.load()
}

// Snapshot returns the state the model last rendered.
func (m *Model) Snapshot() taskview.Snapshot {
	return m.snap
}

func (m *Model) load() tea.Cmd {
	return func() tea.Msg {
		return snapshotMsg{snap: m.view.Load(m.ctx)}
	}
}

func (m *Model) loadLocal() tea.Cmd {
	return func() tea.Msg {
		snap, err := m.view.LoadLocal(m.ctx)
		if err != nil {
			return errMsg{err}
		}
		return snapshotMsg{snap: snap}
	}
}

func (m *Model) addTask(title string) tea.Cmd {
	return func() tea.Msg {
		task, ok, err := m.view.Add(m.ctx, title)
		if err != nil {
			return errMsg{err}
		}
		if !ok {
			return snapshotMsg{snap: m.view.Snapshot(), status: "Title cannot be empty"}
		}
		return snapshotMsg{snap: m.view.Snapshot(), status: fmt.Sprintf("Added #%d", task.ID)}
	}
}

func (m *Model) toggleTask(id int) tea.Cmd {
	return func() tea.Msg {
		task, err := m.view.Toggle(m.ctx, id)
		if err != nil {
			return errMsg{err}
		}
		return snapshotMsg{snap: m.view.Snapshot(), status: fmt.Sprintf("#%d is now %s", task.ID, task.Status)}
	}
}

func (m *Model) deleteTask(id int) tea.Cmd {
	return func() tea.Msg {
		if err := m.view.Delete(m.ctx, id); err != nil {
			return errMsg{err}
		}
		return snapshotMsg{snap: m.view.Snapshot(), status: fmt.Sprintf("Deleted #%d", id)}
	}
}

func (m *Model) selected() (backend.Task, bool) {
	if m.cursor < 0 || m.cursor >= len(m.snap.Tasks) {
		return backend.Task{}, false
	}
	return m.snap.Tasks[m.cursor], true
}

func (m *Model) clampCursor() {
	if m.cursor >= len(m.snap.Tasks) {
		m.cursor = len(m.snap.Tasks) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m *Model) nextFilter() {
	next := filterCycle[0]
	for i, f := range filterCycle {
		if f == m.snap.Filter {
			next = filterCycle[(i+1)%len(filterCycle)]
			break
		}
	}
	m.view.SetFilter(next)
	m.snap = m.view.Snapshot()
	m.clampCursor()
}

// Update handles messages
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case snapshotMsg:
		m.snap = msg.snap
		m.status = msg.status
		m.clampCursor()
		return m, nil

	case ReplicaChangedMsg:
		return m, m.loadLocal()

	case errMsg:
		m.status = msg.err.Error()
		return m, nil

	case tea.KeyMsg:
		switch m.mode {
		case ModeAdd:
			return m.handleAddMode(msg)
		case ModeHelp:
			m.mode = ModeNormal
			return m, nil
		case ModeConfirmDelete:
			return m.handleConfirmDeleteMode(msg)
		}

		m.status = ""
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit

		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
			return m, nil

		case "down", "j":
			if m.cursor < len(m.snap.Tasks)-1 {
				m.cursor++
			}
			return m, nil

		case "a":
			m.mode = ModeAdd
			m.textInput.Reset()
			m.textInput.Focus()
			return m, textinput.Blink

		case "c", " ":
			if task, ok := m.selected(); ok {
				return m, m.toggleTask(task.ID)
			}
			return m, nil

		case "d":
			if _, ok := m.selected(); ok {
				m.mode = ModeConfirmDelete
			}
			return m, nil

		case "f":
			m.nextFilter()
			return m, nil

		case "r":
			m.status = "Refreshing..."
			return m, m.load()

		case "?":
			m.mode = ModeHelp
			return m, nil
		}
	}

	return m, nil
}

func (m *Model) handleAddMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg.Type {
	case tea.KeyEnter:
		value := m.textInput.Value()
		m.mode = ModeNormal
		m.textInput.Blur()
		return m, m.addTask(value)

	case tea.KeyEsc:
		m.mode = ModeNormal
		m.textInput.Blur()
		return m, nil
	}

	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m *Model) handleConfirmDeleteMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	m.mode = ModeNormal
	switch msg.String() {
	case "y", "Y":
		if task, ok := m.selected(); ok {
			return m, m.deleteTask(task.ID)
		}
	}
	return m, nil
}

// View renders the TUI
func (m *Model) View() string {
	if m.width == 0 || m.height == 0 {
		m.width = 80
		m.height = 24
	}

	switch m.mode {
	case ModeAdd:
		return m.renderAddDialog()
	case ModeHelp:
		return m.renderHelpDialog()
	case ModeConfirmDelete:
		return m.renderConfirmDeleteDialog()
	}

	var b strings.Builder
	pane := m.paneStyle.Width(m.width - 2).Height(m.height - 4).Render(m.renderTaskPane(m.width - 6))
	b.WriteString(pane)
	b.WriteString("\n")
	b.WriteString(m.renderStatusBar())
	return b.String()
}

func (m *Model) renderTaskPane(width int) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Tasks (%s)\n", m.snap.Filter))
	if width > 0 {
		b.WriteString(strings.Repeat("─", width))
	}
	b.WriteString("\n")

	switch {
	case m.snap.Error != "":
		b.WriteString(m.errorStyle.Render(m.snap.Error) + "\n")
	case m.snap.Notice != "":
		b.WriteString(m.noticeStyle.Render(m.snap.Notice) + "\n")
	}

	if m.snap.Loading {
		b.WriteString("Loading...\n")
		return b.String()
	}
	if len(m.snap.Tasks) == 0 {
		b.WriteString("No tasks\n")
		return b.String()
	}

	for i, task := range m.snap.Tasks {
		cursor := " "
		if i == m.cursor {
			cursor = ">"
		}
		box := "[ ]"
		title := task.Title
		if task.IsCompleted() {
			box = "[✓]"
			title = m.completedStyle.Render(title)
		} else if i == m.cursor {
			title = m.selectedStyle.Render(title)
		}
		b.WriteString(fmt.Sprintf("%s %s #%d %s\n", cursor, box, task.ID, title))
	}
	return b.String()
}

func (m *Model) renderStatusBar() string {
	s := m.snap.Stats
	left := fmt.Sprintf("%d tasks, %d pending, %d done (%d%%)", s.Total, s.Pending, s.Completed, s.Percent)
	if m.status != "" {
		left = m.status
	}

	right := "q:quit  ?:help"
	if m.snap.UsingLocal {
		right = "offline  " + right
	}

	padding := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if padding < 1 {
		padding = 1
	}
	return m.statusBarStyle.Width(m.width).Render(left + strings.Repeat(" ", padding) + right)
}

func (m *Model) renderAddDialog() string {
	dialog := m.dialogStyle.Render(
		"Add New Task\n\n" +
			m.textInput.View() + "\n\n" +
			m.helpStyle.Render("Enter: confirm  Esc: cancel"),
	)
	return m.centerDialog(dialog)
}

func (m *Model) renderHelpDialog() string {
	help := `Help - Key Bindings

Navigation:
  j/↓    Move down
  k/↑    Move up

Actions:
  a      Add new task
  c      Toggle task completion
  d      Delete task (with confirm)
  f      Cycle filter (all, pending, completed)
  r      Reload from the API

General:
  ?      Show this help
  q      Quit

Press any key to close`

	return m.centerDialog(m.dialogStyle.Render(help))
}

func (m *Model) renderConfirmDeleteDialog() string {
	title := "Delete selected task?"
	if task, ok := m.selected(); ok {
		title = fmt.Sprintf("Delete #%d %q?", task.ID, task.Title)
	}
	dialog := m.dialogStyle.Render(
		title + "\n\n" +
			m.helpStyle.Render("y: yes  n: no"),
	)
	return m.centerDialog(dialog)
}

func (m *Model) centerDialog(dialog string) string {
	lines := strings.Split(dialog, "\n")
	dialogWidth := lipgloss.Width(dialog)

	topPad := (m.height - len(lines)) / 2
	leftPad := (m.width - dialogWidth) / 2
	if topPad < 0 {
		topPad = 0
	}
	if leftPad < 0 {
		leftPad = 0
	}

	var b strings.Builder
	for i := 0; i < topPad; i++ {
		b.WriteString("\n")
	}
	for _, line := range lines {
		b.WriteString(strings.Repeat(" ", leftPad))
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}
