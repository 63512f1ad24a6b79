package cli

import "github.com/charmbracelet/lipgloss"

// Terminal styles. lipgloss drops colors when output is not a terminal.
var (
	styleOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	styleError   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleWaiting = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	styleMuted   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	styleHeading = lipgloss.NewStyle().Bold(true)
)
