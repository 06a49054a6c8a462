package chat

import (
	"context"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

// transcriptModel is scrolled to the bottom of a forty line transcript.
func transcriptModel() *model {
	m := newModel(context.Background(), nil, RuntimeInfo{})
	m.viewport.Width = 40
	m.viewport.Height = 5
	m.viewport.SetContent(strings.Repeat("line\n", 40))
	m.viewport.GotoBottom()
	return m
}

func TestViewportMouse(t *testing.T) {
	t.Parallel()

	wheel := func(button tea.MouseButton) tea.MouseMsg {
		return tea.MouseMsg{Action: tea.MouseActionPress, Button: button}
	}

	t.Run("wheel up leaves the tail", func(t *testing.T) {
		m := transcriptModel()
		m.followLog = true
		before := m.viewport.YOffset

		if !m.handleViewportMouse(wheel(tea.MouseButtonWheelUp)) {
			t.Fatal("wheel up not handled")
		}
		if m.followLog {
			t.Fatal("still following new messages after scrolling up")
		}
		if m.viewport.YOffset >= before {
			t.Fatalf("YOffset = %d, want < %d", m.viewport.YOffset, before)
		}
	})

	t.Run("wheel down to the bottom follows again", func(t *testing.T) {
		m := transcriptModel()
		m.viewport.SetYOffset(max(0, m.viewport.TotalLineCount()-m.viewport.Height-1))
		m.followLog = false

		if !m.handleViewportMouse(wheel(tea.MouseButtonWheelDown)) {
			t.Fatal("wheel down not handled")
		}
		if !m.viewport.AtBottom() || !m.followLog {
			t.Fatalf("AtBottom=%v followLog=%v, want both true", m.viewport.AtBottom(), m.followLog)
		}
	})

	t.Run("clicks are ignored", func(t *testing.T) {
		m := transcriptModel()
		if m.handleViewportMouse(wheel(tea.MouseButtonLeft)) {
			t.Fatal("left click handled as scroll")
		}
	})
}

func TestRefreshViewportMarksEdits(t *testing.T) {
	t.Parallel()

	m := transcriptModel()
	m.viewport.Width = 60
	m.viewport.Height = 40
	m.messages = []chatMessage{
		{role: roleUser, content: "start-quiz"},
		{id: "m-1", role: roleBot, content: "What is 2+2?", edited: true},
		{role: "unknown", content: "hidden"},
	}

	m.refreshViewport(true)
	view := m.viewport.View()
	for _, want := range []string{"start-quiz", "What is 2+2?", "(edited)", "parley"} {
		if !strings.Contains(view, want) {
			t.Fatalf("viewport missing %q:\n%s", want, view)
		}
	}
	if strings.Contains(view, "hidden") {
		t.Fatal("message with unknown role rendered")
	}
}
