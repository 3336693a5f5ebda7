// Package tui provides the terminal control panel and CLI progress output for mixctl.
package tui

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mixbot/dispenser/database"
	"github.com/mixbot/dispenser/history"
	"github.com/mixbot/dispenser/status"
)

// Color palette for consistent theming
var (
	// Primary colors
	ColorPrimary    = lipgloss.Color("#0D6EFD") // Blue
	ColorSecondary  = lipgloss.Color("#6C757D") // Gray
	ColorSuccess    = lipgloss.Color("#28A745") // Green
	ColorWarning    = lipgloss.Color("#FFC107") // Yellow
	ColorError      = lipgloss.Color("#DC3545") // Red
	ColorInfo       = lipgloss.Color("#17A2B8") // Cyan
	ColorMuted      = lipgloss.Color("#6C757D") // Muted gray
	ColorBackground = lipgloss.Color("#1E1E2E") // Dark background
	ColorForeground = lipgloss.Color("#CDD6F4") // Light foreground
)

// Status indicator symbols
const (
	SymbolSuccess    = "✓"
	SymbolError      = "✗"
	SymbolWarning    = "⚠"
	SymbolInProgress = "⟳"
	SymbolPending    = "○"
	SymbolConnected  = "●"
	SymbolMarker     = "●"
	SymbolKnob       = "●"
	SymbolBullet     = "•"
)

// Styles provides consistent styling across the TUI
type Styles struct {
	// Title styles
	Title       lipgloss.Style
	SectionHead lipgloss.Style

	// Status styles
	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Info    lipgloss.Style
	Muted   lipgloss.Style

	// Component styles
	Panel       lipgloss.Style
	ActivePanel lipgloss.Style
	Banner      lipgloss.Style
	Button      lipgloss.Style
	ButtonOff   lipgloss.Style
	Danger      lipgloss.Style

	// Slider track
	TrackFilled lipgloss.Style
	TrackEmpty  lipgloss.Style

	// Help text
	HelpKey  lipgloss.Style
	HelpDesc lipgloss.Style
}

// DefaultStyles returns the default style configuration
func DefaultStyles() *Styles {
	return &Styles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary),

		SectionHead: lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorInfo).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(ColorSecondary),

		Success: lipgloss.NewStyle().Foreground(ColorSuccess),
		Error:   lipgloss.NewStyle().Foreground(ColorError),
		Warning: lipgloss.NewStyle().Foreground(ColorWarning),
		Info:    lipgloss.NewStyle().Foreground(ColorInfo),
		Muted:   lipgloss.NewStyle().Foreground(ColorMuted),

		Panel: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorSecondary).
			Padding(0, 1),

		ActivePanel: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorPrimary).
			Padding(0, 1),

		Banner: lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1),

		Button: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(ColorSuccess).
			Padding(0, 2),

		ButtonOff: lipgloss.NewStyle().
			Foreground(ColorForeground).
			Background(ColorSecondary).
			Padding(0, 2),

		Danger: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(ColorError).
			Padding(0, 2),

		TrackFilled: lipgloss.NewStyle().Foreground(ColorPrimary),
		TrackEmpty:  lipgloss.NewStyle().Foreground(ColorSecondary),

		HelpKey: lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorInfo),

		HelpDesc: lipgloss.NewStyle().
			Foreground(ColorMuted),
	}
}

// PlainStyles returns styles without color for --no-color output.
func PlainStyles() *Styles {
	plain := lipgloss.NewStyle()
	return &Styles{
		Title:       plain,
		SectionHead: plain,
		Success:     plain,
		Error:       plain,
		Warning:     plain,
		Info:        plain,
		Muted:       plain,
		Panel:       plain,
		ActivePanel: plain,
		Banner:      plain,
		Button:      plain,
		ButtonOff:   plain,
		Danger:      plain,
		TrackFilled: plain,
		TrackEmpty:  plain,
		HelpKey:     plain,
		HelpDesc:    plain,
	}
}

// BannerStyle returns the style for a banner level.
func (s *Styles) BannerStyle(level status.Level) lipgloss.Style {
	switch level {
	case status.LevelSuccess:
		return s.Banner.Foreground(ColorSuccess)
	case status.LevelWarning:
		return s.Banner.Foreground(ColorWarning)
	case status.LevelDanger:
		return s.Banner.Foreground(ColorError)
	default:
		return s.Banner.Foreground(ColorInfo)
	}
}

// RenderBanner renders a banner message as "LEVEL: text".
func (s *Styles) RenderBanner(m status.Message) string {
	if m.Text == "" {
		return ""
	}
	return s.BannerStyle(m.Level).Render(m.String())
}

// Marker renders a history marker.
func (s *Styles) Marker(marker history.Marker) string {
	switch marker {
	case history.MarkerGreen:
		return s.Success.Render(SymbolMarker)
	case history.MarkerRed:
		return s.Error.Render(SymbolMarker)
	}
	return ""
}

// StatusIcon returns a styled status icon for a journaled cycle status
func (s *Styles) StatusIcon(st string) string {
	switch st {
	case database.CycleStatusCompleted:
		return s.Success.Render(SymbolSuccess)
	case database.CycleStatusEmergencyStop:
		return s.Error.Render(SymbolError)
	case database.CycleStatusAbandoned:
		return s.Warning.Render(SymbolWarning)
	case database.CycleStatusInProgress:
		return s.Info.Render(SymbolInProgress)
	default:
		return s.Muted.Render(SymbolBullet)
	}
}

// FormatML formats a volume without trailing zeros
func FormatML(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64) + " ml"
}

// FormatDuration formats duration into a human-readable string
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
