// Package ui holds the terminal styling for airbcm output.
package ui

import (
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	// Light mode
	LightForeground = lipgloss.Color("#1a1a1a")
	LightPrimary    = lipgloss.Color("#4E7A00") // NVIDIA green, darkened for light backgrounds
	LightMuted      = lipgloss.Color("#8a8f98")

	// Dark mode
	DarkForeground = lipgloss.Color("#f2f2f2")
	DarkPrimary    = lipgloss.Color("#76B900")
	DarkMuted      = lipgloss.Color("#6b7280")

	Destructive = lipgloss.Color("#e53935")
	Success     = lipgloss.Color("#76B900")
	Warning     = lipgloss.Color("#FFC107")
	Info        = lipgloss.Color("#2196F3")
)

// Theme holds the current color scheme.
type Theme struct {
	Foreground lipgloss.Color
	Primary    lipgloss.Color
	Muted      lipgloss.Color
	IsDark     bool
}

func LightTheme() Theme {
	return Theme{Foreground: LightForeground, Primary: LightPrimary, Muted: LightMuted}
}

func DarkTheme() Theme {
	return Theme{Foreground: DarkForeground, Primary: DarkPrimary, Muted: DarkMuted, IsDark: true}
}

// DetectTheme looks at COLORFGBG and AIRBCM_DARK_MODE. Light is the default.
func DetectTheme() Theme {
	if parts := strings.Split(os.Getenv("COLORFGBG"), ";"); len(parts) == 2 {
		// 0-6 and 8 are dark ANSI backgrounds
		if bg, err := strconv.Atoi(parts[1]); err == nil && ((bg >= 0 && bg <= 6) || bg == 8) {
			return DarkTheme()
		}
	}
	if os.Getenv("AIRBCM_DARK_MODE") == "1" {
		return DarkTheme()
	}
	return LightTheme()
}

// Styles holds the styled components.
type Styles struct {
	Theme Theme

	Title   lipgloss.Style
	Header  lipgloss.Style
	Body    lipgloss.Style
	Muted   lipgloss.Style
	Bold    lipgloss.Style
	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Info    lipgloss.Style
	Divider lipgloss.Style
}

// NewStyles creates a new Styles instance with the given theme.
func NewStyles(theme Theme) Styles {
	return Styles{
		Theme: theme,
		Title: lipgloss.NewStyle().
			Foreground(theme.Primary).
			Bold(true),
		Header: lipgloss.NewStyle().
			Foreground(theme.Primary).
			Bold(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(theme.Muted),
		Body:    lipgloss.NewStyle().Foreground(theme.Foreground),
		Muted:   lipgloss.NewStyle().Foreground(theme.Muted),
		Bold:    lipgloss.NewStyle().Foreground(theme.Foreground).Bold(true),
		Success: lipgloss.NewStyle().Foreground(Success),
		Error:   lipgloss.NewStyle().Foreground(Destructive).Bold(true),
		Warning: lipgloss.NewStyle().Foreground(Warning),
		Info:    lipgloss.NewStyle().Foreground(Info),
		Divider: lipgloss.NewStyle().Foreground(theme.Muted),
	}
}

// DefaultStyles returns styles for the detected theme.
func DefaultStyles() Styles {
	return NewStyles(DetectTheme())
}

// Banner renders a section title with a rule underneath.
func (s Styles) Banner(title string) string {
	return s.Header.Render(title)
}

// OK, Fail and Warn prefix a status line.
func (s Styles) OK(msg string) string   { return s.Success.Render("✓") + " " + msg }
func (s Styles) Fail(msg string) string { return s.Error.Render("✗") + " " + msg }
func (s Styles) Warn(msg string) string { return s.Warning.Render("!") + " " + msg }
