// Package tui implements the optional live status dashboard (-tui) that
// shows the mounted stream's total packet and byte counters in a terminal,
// refreshed on a tick like a typical Bubble Tea program.
package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"it9910fs/internal/stream"
)

const tickInterval = 500 * time.Millisecond

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("82"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	valueStyle = lipgloss.NewStyle().Bold(true)
	idleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("243")).Italic(true)
)

// statsSource reports the worker currently backing the mounted file, or
// nil when nothing is open — the model polls it on every tick rather
// than holding a reference itself, since open/release cycles swap the
// worker out from under it.
type statsSource func() *stream.Stats

type tickMsg time.Time

type model struct {
	mount   string
	source  statsSource
	packets uint64
	bytes   uint64
	active  bool
}

// Run starts the dashboard and blocks until the user quits (q, ctrl+c)
// or the program errors out.
func Run(mount string, source statsSource) error {
	p := tea.NewProgram(model{mount: mount, source: source})
	_, err := p.Run()
	return err
}

func (m model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		if st := m.source(); st != nil {
			m.active = true
			m.packets = st.Packets.Load()
			m.bytes = st.Bytes.Load()
		} else {
			m.active = false
		}
		return m, tick()
	}
	return m, nil
}

func (m model) View() string {
	status := idleStyle.Render("waiting for a client to open the stream")
	if m.active {
		status = fmt.Sprintf(
			"%s %s\n%s %s",
			labelStyle.Render("packets:"), valueStyle.Render(fmt.Sprintf("%d", m.packets)),
			labelStyle.Render("bytes:  "), valueStyle.Render(humanBytes(m.bytes)),
		)
	}

	return fmt.Sprintf(
		"%s\n%s %s\n\n%s\n\n%s\n",
		titleStyle.Render("it9910fs"),
		labelStyle.Render("mount:"), m.mount,
		status,
		idleStyle.Render("press q to quit"),
	)
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
