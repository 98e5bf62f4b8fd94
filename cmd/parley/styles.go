package main

import "github.com/charmbracelet/lipgloss"

// Styles
var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	systemStyle    = lipgloss.NewStyle().Faint(true).Foreground(lipgloss.Color("245"))
	dimStyle       = lipgloss.NewStyle().Faint(true).Foreground(lipgloss.Color("245"))
	helpStyle      = lipgloss.NewStyle().Faint(true).Foreground(lipgloss.Color("243"))
	successStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)
