package tui_test

import (
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/clawswarm/orchestrator/internal/bus"
	"github.com/clawswarm/orchestrator/internal/tui"
)

func TestModel_TracksActiveChainsAndFeed(t *testing.T) {
	b := bus.New()
	m := tui.NewModel(b)

	cmd := m.Init()
	if cmd == nil {
		t.Fatal("Init returned nil Cmd")
	}

	b.Publish(bus.TopicTeamChainStart, bus.Record{
		Component: "chain", Type: bus.TopicTeamChainStart, Timestamp: time.Now().UnixMilli(),
	})

	msg := cmd()
	updated, next := m.Update(msg)
	dm := updated.(tui.Model)

	view := dm.View()
	if view == "" {
		t.Fatal("expected non-empty view after event")
	}
	if next == nil {
		t.Fatal("expected a follow-up Cmd to keep listening")
	}
}

func TestModel_QuitsOnQ(t *testing.T) {
	b := bus.New()
	m := tui.NewModel(b)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected a Cmd")
	}
	if msg := cmd(); msg != tea.Quit() {
		t.Fatalf("expected quit message, got %#v", msg)
	}
}
