package main

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/loykin/sysinitd/internal/supervisor"
)

var (
	styleOK     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))  // green
	styleWarn   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // orange
	styleError  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red
	styleMuted  = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // gray
	styleHeader = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	styleCell   = lipgloss.NewStyle().PaddingRight(2)
)

const (
	symbolOK    = "✓"
	symbolError = "✗"
)

func renderOK(msg string) string    { return styleOK.Render(symbolOK) + " " + msg }
func renderError(msg string) string { return styleError.Render(symbolError) + " " + msg }

// stateStyle colors a state name by how healthy it is.
func stateStyle(s supervisor.State) lipgloss.Style {
	switch s {
	case supervisor.StateRunning:
		return styleOK
	case supervisor.StateFailed:
		return styleError
	case supervisor.StateRestarting, supervisor.StateStopping:
		return styleWarn
	}
	return styleMuted
}
