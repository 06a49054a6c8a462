// Package chat is a terminal front end for the local platform. It talks to
// the bot only through the message bus.
package chat

import (
	"context"
	"fmt"

	"parley/pkg/bus"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Run blocks until the user quits, ctx ends, or the bus closes.
func Run(ctx context.Context, messageBus *bus.MessageBus, info RuntimeInfo) error {
	program := tea.NewProgram(newModel(ctx, messageBus, info), tea.WithContext(ctx), tea.WithMouseCellMotion())
	final, err := program.Run()
	if err != nil {
		return err
	}

	fmt.Print("\033[H\033[2J")
	if m, ok := final.(*model); ok {
		fmt.Println(goodbye(m.sent, m.received))
	}
	return nil
}

func goodbye(sent int, received int) string {
	return lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("231")).
		Background(lipgloss.Color("24")).
		Padding(1, 2).
		Render(fmt.Sprintf("👋 Thanks for using Parley (%d sent, %d received)", sent, received))
}
