// Package ui provides terminal output styling for the crew CLI.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// Crewdeck palette
var (
	ColorAccent  = lipgloss.Color("#5A8DEE") // primary blue
	ColorSuccess = lipgloss.Color("#3FB68B")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E05A5A")
	ColorMuted   = lipgloss.Color("#6B7280")
)

var (
	accentStyle  = lipgloss.NewStyle().Foreground(ColorAccent).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(ColorSuccess)
	warningStyle = lipgloss.NewStyle().Foreground(ColorWarning)
	errorStyle   = lipgloss.NewStyle().Foreground(ColorError)
	mutedStyle   = lipgloss.NewStyle().Foreground(ColorMuted)
	headerStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
)

// plain is true when stdout is not a terminal or the terminal reports no
// color support; all render helpers degrade to bare text.
var plain = !term.IsTerminal(int(os.Stdout.Fd())) ||
	termenv.DefaultOutput().Profile == termenv.Ascii

// RenderAccent styles brand-colored text.
func RenderAccent(s string) string {
	if plain {
		return s
	}
	return accentStyle.Render(s)
}

// RenderSuccess styles success text.
func RenderSuccess(s string) string {
	if plain {
		return s
	}
	return successStyle.Render(s)
}

// RenderWarning styles warning text.
func RenderWarning(s string) string {
	if plain {
		return s
	}
	return warningStyle.Render(s)
}

// RenderError styles error text.
func RenderError(s string) string {
	if plain {
		return s
	}
	return errorStyle.Render(s)
}

// RenderMuted styles de-emphasized text.
func RenderMuted(s string) string {
	if plain {
		return s
	}
	return mutedStyle.Render(s)
}

// RenderHeader styles a section header.
func RenderHeader(s string) string {
	if plain {
		return s
	}
	return headerStyle.Render(s)
}

// Width returns the terminal width, or 80 when unknown.
func Width() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 80
	}
	return w
}
