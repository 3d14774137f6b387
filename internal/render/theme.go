// Package render draws tab history trees and tab listings as terminal text.
package render

import "github.com/charmbracelet/lipgloss"

// Theme names.
const (
	ThemeDark  = "dark"
	ThemeLight = "light"
)

type palette struct {
	Text, TextDim, Border     lipgloss.Color
	Accent, Green, Yellow     lipgloss.Color
	Red, Purple, Cyan, Orange lipgloss.Color
}

var darkPalette = palette{
	Text:    lipgloss.Color("#c0caf5"),
	TextDim: lipgloss.Color("#787fa0"),
	Border:  lipgloss.Color("#414868"),
	Accent:  lipgloss.Color("#7aa2f7"),
	Green:   lipgloss.Color("#9ece6a"),
	Yellow:  lipgloss.Color("#e0af68"),
	Red:     lipgloss.Color("#f7768e"),
	Purple:  lipgloss.Color("#bb9af7"),
	Cyan:    lipgloss.Color("#7dcfff"),
	Orange:  lipgloss.Color("#ff9e64"),
}

var lightPalette = palette{
	Text:    lipgloss.Color("#343b58"),
	TextDim: lipgloss.Color("#6a6d7c"),
	Border:  lipgloss.Color("#9699a3"),
	Accent:  lipgloss.Color("#34548a"),
	Green:   lipgloss.Color("#485e30"),
	Yellow:  lipgloss.Color("#8f5e15"),
	Red:     lipgloss.Color("#8c4351"),
	Purple:  lipgloss.Color("#7847bd"),
	Cyan:    lipgloss.Color("#166775"),
	Orange:  lipgloss.Color("#965027"),
}

// Theme holds the styles used by every renderer in this package. Styles
// come from lipgloss' default renderer, so the process-wide color profile
// decides whether escape codes are emitted.
type Theme struct {
	Name string

	Title     lipgloss.Style
	URL       lipgloss.Style
	Branch    lipgloss.Style
	Current   lipgloss.Style
	Closed    lipgloss.Style
	Active    lipgloss.Style
	Dim       lipgloss.Style
	Header    lipgloss.Style
	Selected  lipgloss.Style
	Highlight lipgloss.Style
	Error     lipgloss.Style
	Border    lipgloss.Color
}

// NewTheme returns the named theme; anything but "light" is dark.
func NewTheme(name string) *Theme {
	p := darkPalette
	if name == ThemeLight {
		p = lightPalette
	} else {
		name = ThemeDark
	}
	return &Theme{
		Name:      name,
		Title:     lipgloss.NewStyle().Foreground(p.Text),
		URL:       lipgloss.NewStyle().Foreground(p.TextDim),
		Branch:    lipgloss.NewStyle().Foreground(p.Border),
		Current:   lipgloss.NewStyle().Foreground(p.Green).Bold(true),
		Closed:    lipgloss.NewStyle().Foreground(p.Red),
		Active:    lipgloss.NewStyle().Foreground(p.Cyan),
		Dim:       lipgloss.NewStyle().Foreground(p.TextDim),
		Header:    lipgloss.NewStyle().Foreground(p.Accent).Bold(true),
		Selected:  lipgloss.NewStyle().Foreground(p.Yellow).Bold(true),
		Highlight: lipgloss.NewStyle().Foreground(p.Orange).Underline(true),
		Error:     lipgloss.NewStyle().Foreground(p.Red).Bold(true),
		Border:    p.Border,
	}
}
