package render

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/vitals-lab/vitals/internal/core/metric"
	"github.com/vitals-lab/vitals/internal/state"
)

type (
	tickMsg        time.Time
	refreshDoneMsg struct{ err error }
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#10B981")).
			Padding(0, 1)

	headerRowStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#6B7280"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#E5E7EB"))

	noDataStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280")).
			Italic(true)

	staleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F59E0B"))

	errStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444"))

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280"))
)

// Model is the dashboard's bubbletea model. It polls the store on a tick
// and never blocks on the engine.
type Model struct {
	store      *state.Store
	refresher  Refresher
	types      []metric.Type
	interval   time.Duration
	staleAfter time.Duration
	nowFn      func() time.Time

	snap       *state.Snapshot
	refreshing bool
	lastErr    error
}

func NewModel(store *state.Store, refresher Refresher, types []metric.Type, interval, staleAfter time.Duration) Model {
	return Model{
		store:      store,
		refresher:  refresher,
		types:      types,
		interval:   interval,
		staleAfter: staleAfter,
		nowFn:      time.Now,
		snap:       store.Snapshot(),
	}
}

func (m Model) Init() tea.Cmd {
	return m.tick()
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			if m.refresher != nil && !m.refreshing {
				m.refreshing = true
				m.lastErr = nil
				return m, m.runRefresh()
			}
		}

	case tickMsg:
		m.snap = m.store.Snapshot()
		return m, m.tick()

	case refreshDoneMsg:
		m.refreshing = false
		m.lastErr = msg.err
		m.snap = m.store.Snapshot()
	}

	return m, nil
}

func (m Model) runRefresh() tea.Cmd {
	refresher := m.refresher
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return refreshDoneMsg{err: refresher.Refresh(ctx)}
	}
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("vitals"))
	b.WriteString("\n\n")

	b.WriteString(headerRowStyle.Render(fmt.Sprintf(" %-16s %12s %-10s %9s %8s", "METRIC", "VALUE", "UNIT", "SAMPLES", "UPDATED")))
	b.WriteString("\n")

	rows := buildRows(m.snap, m.types, m.nowFn(), m.staleAfter)
	for _, row := range rows {
		line := fmt.Sprintf(" %-16s %12s %-10s %9d %8s", row.Label, row.Value, row.Unit, row.Samples, row.Age)
		switch {
		case row.NoData:
			b.WriteString(noDataStyle.Render(line + "  no data"))
		case row.Stale:
			b.WriteString(staleStyle.Render(line + "  stale"))
		default:
			b.WriteString(valueStyle.Render(line))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	status := fmt.Sprintf("v%d", m.snap.Version)
	if m.refreshing {
		status += " · refreshing…"
	}
	b.WriteString(footerStyle.Render(" " + status))
	b.WriteString("\n")
	if m.lastErr != nil {
		b.WriteString(errStyle.Render(fmt.Sprintf(" refresh failed: %v", m.lastErr)))
		b.WriteString("\n")
	}
	b.WriteString(footerStyle.Render(" q: quit · r: refresh totals"))
	b.WriteString("\n")

	return b.String()
}

// TUI runs the dashboard model in a bubbletea program.
type TUI struct {
	model Model
}

func NewTUI(store *state.Store, refresher Refresher, types []metric.Type, interval, staleAfter time.Duration) *TUI {
	return &TUI{model: NewModel(store, refresher, types, interval, staleAfter)}
}

func (t *TUI) Run(ctx context.Context) error {
	program := tea.NewProgram(t.model, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := program.Run()
	if err != nil && (errors.Is(err, tea.ErrProgramKilled) || ctx.Err() != nil) {
		// canceled shutdown, not a render failure
		return nil
	}
	return err
}
