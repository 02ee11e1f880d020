// Package tui implements the live process table shown by `pm3 tui`
// (spec.md §4.i). It follows the teacher's dashboard model: a
// bubbletea.Model driven by a periodic tick message, rendered with
// lipgloss styles, pulling data through the same rpcclient the rest of
// the client CLI uses.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/s3bba/pm3/internal/rpc"
	"github.com/s3bba/pm3/internal/rpcclient"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("230")).Background(lipgloss.Color("62")).Padding(0, 1)
	onlineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

// tickMsg requests a fresh poll of the daemon.
type tickMsg time.Time

// refreshMsg carries the result of one poll.
type refreshMsg struct {
	processes []rpc.ProcessInfo
	err       error
}

// Model is the bubbletea model backing `pm3 tui`.
type Model struct {
	client   *rpcclient.Client
	interval time.Duration

	processes []rpc.ProcessInfo
	err       error
	width     int
	height    int
	cursor    int
}

// New builds a Model that polls client every interval.
func New(client *rpcclient.Client, interval time.Duration) Model {
	return Model{client: client, interval: interval}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.poll(), tick(m.interval))
}

func (m Model) poll() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := m.client.Call(ctx, rpc.Request{Kind: rpc.KindList})
		if err != nil {
			return refreshMsg{err: err}
		}
		if resp.Tag != "Ok" {
			return refreshMsg{err: fmt.Errorf("%s: %s", resp.Error.Kind, resp.Error.Message)}
		}
		return refreshMsg{processes: resp.Processes}
	}
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.processes)-1 {
				m.cursor++
			}
		case "r":
			return m, m.poll()
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.poll(), tick(m.interval))

	case refreshMsg:
		m.err = msg.err
		if msg.err == nil {
			m.processes = msg.processes
		}
		return m, nil
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-20s %-10s %-8s %-10s %-12s", "NAME", "STATUS", "PID", "RESTARTS", "RSS")))
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(errStyle.Render("error: " + m.err.Error()))
		b.WriteString("\n")
	}

	for i, p := range m.processes {
		line := fmt.Sprintf("%-20s %-10s %-8d %-10d %-12d", p.Name, p.Status, p.PID, p.RestartCount, p.RSSBytes)
		style := dimStyle
		switch p.Status {
		case "Online":
			style = onlineStyle
		case "Unhealthy", "Restarting", "Starting":
			style = warnStyle
		case "Errored":
			style = errStyle
		}
		if i == m.cursor {
			style = style.Reverse(true)
		}
		b.WriteString(style.Render(line))
		b.WriteString("\n")
	}

	b.WriteString(dimStyle.Render("\n↑/↓ select · r refresh · q quit"))
	return b.String()
}
