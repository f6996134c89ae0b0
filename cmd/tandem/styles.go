package main

import (
	"encoding/json"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// useColor reports whether stdout is a terminal that wants color.
func useColor() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if t := os.Getenv("TERM"); t == "" || t == "dumb" {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func style(color string) lipgloss.Style {
	if !useColor() {
		return lipgloss.NewStyle()
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color(color)).Bold(true)
}

func okStyle() lipgloss.Style    { return style("42") }
func errorStyle() lipgloss.Style { return style("196") }

func mutedStyle() lipgloss.Style {
	if !useColor() {
		return lipgloss.NewStyle()
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
