package watch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/liveswap/internal/githost"
	"github.com/mattjoyce/liveswap/internal/history"
)

const (
	refreshInterval = 2 * time.Second
	maxRows         = 30
)

// --- Message types ---

type recordsMsg []history.Record

type tickMsg time.Time

type errMsg error

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	store *history.Store

	width  int
	height int

	records   []history.Record
	lastError string

	spinner spinner.Model
	theme   Theme
}

// New creates a new watch TUI model over the history store.
func New(store *history.Store) *Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return &Model{
		store:   store,
		spinner: sp,
		theme:   NewDefaultTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.fetchRecords(),
		m.spinner.Tick,
		tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		return m, tea.Batch(
			m.fetchRecords(),
			tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) }),
		)

	case recordsMsg:
		m.records = msg
		m.lastError = ""

	case errMsg:
		m.lastError = msg.Error()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.theme.Title.Render("liveswap deployments"))
	if m.anyActive() {
		b.WriteString(" " + m.spinner.View())
	}
	b.WriteString("\n\n")

	b.WriteString(m.theme.Header.Render(fmt.Sprintf("%-9s %-28s %-12s %-12s %-10s %s",
		"STATE", "REPO", "ENV", "SHA", "DEPLOY", "STARTED")))
	b.WriteString("\n")

	for i, r := range m.records {
		if i >= maxRows {
			break
		}
		line := fmt.Sprintf("%-9s %-28s %-12s %-12.12s %-10d %s",
			r.State, r.Repo, r.Environment, r.SHA, r.DeploymentID,
			r.StartedAt.Local().Format("Jan 02 15:04:05"))
		b.WriteString(m.styleForState(r.State).Render(line))
		b.WriteString("\n")
	}
	if len(m.records) == 0 {
		b.WriteString(m.theme.Dim.Render("no deployments recorded yet"))
		b.WriteString("\n")
	}

	if m.lastError != "" {
		b.WriteString("\n")
		b.WriteString(m.theme.StatusFailure.Render("error: " + m.lastError))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.theme.Dim.Render("q: quit"))
	return b.String()
}

func (m Model) styleForState(state string) lipgloss.Style {
	switch state {
	case githost.StateSuccess:
		return m.theme.StatusSuccess
	case githost.StateFailure:
		return m.theme.StatusFailure
	case githost.StateInProgress:
		return m.theme.StatusInProgress
	default:
		return m.theme.StatusQueued
	}
}

func (m Model) anyActive() bool {
	for _, r := range m.records {
		if r.State == githost.StateQueued || r.State == githost.StateInProgress {
			return true
		}
	}
	return false
}

// fetchRecords loads recent history off the UI loop.
func (m Model) fetchRecords() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		records, err := m.store.Recent(ctx, maxRows)
		if err != nil {
			return errMsg(err)
		}
		return recordsMsg(records)
	}
}
