// Package tui is a minimal read-only dashboard: it tails the in-process
// event bus and renders recent queue/chain/swarm activity. It is the
// concrete instance of the "TUI dashboards" out-of-scope collaborator
// named in spec.md §1 — a consumer of the event stream, not part of the
// core engine.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/clawswarm/orchestrator/internal/bus"
)

const maxFeedItems = 20

// Model is the bubbletea model for the dashboard.
type Model struct {
	sub *bus.Subscription

	activeChains int
	queueDepth   int
	feed         []string
}

// busEventMsg wraps one received bus.Event for bubbletea's update loop.
type busEventMsg bus.Event

// NewModel constructs a dashboard Model subscribed to every topic on b.
func NewModel(b *bus.Bus) Model {
	return Model{sub: b.Subscribe("")}
}

// Init starts listening for bus events.
func (m Model) Init() tea.Cmd {
	return m.waitForEvent()
}

func (m Model) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.sub.Ch()
		if !ok {
			return nil
		}
		return busEventMsg(ev)
	}
}

// Update handles bubbletea messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}
	case busEventMsg:
		m.apply(bus.Event(msg))
		return m, m.waitForEvent()
	}
	return m, nil
}

func (m *Model) apply(ev bus.Event) {
	rec, ok := ev.Payload.(bus.Record)
	if !ok {
		return
	}

	switch rec.Type {
	case bus.TopicTeamChainStart:
		m.activeChains++
	case bus.TopicTeamChainEnd:
		if m.activeChains > 0 {
			m.activeChains--
		}
	case bus.TopicProcessorStart:
		m.queueDepth++
	}

	line := fmt.Sprintf("[%s] %s: %s", time.UnixMilli(rec.Timestamp).Format("15:04:05"), rec.Component, rec.Type)
	m.feed = append(m.feed, line)
	if len(m.feed) > maxFeedItems {
		m.feed = m.feed[len(m.feed)-maxFeedItems:]
	}
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	itemStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
)

// View renders the dashboard.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("clawswarm dashboard") + "\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("active chains: %d   processed: %d", m.activeChains, m.queueDepth)) + "\n\n")
	for _, line := range m.feed {
		b.WriteString(itemStyle.Render(line) + "\n")
	}
	b.WriteString("\n" + dimStyle.Render("q to quit"))
	return b.String()
}
