// Package ui renders human-readable CLI output: state and verdict colors,
// status icons and simple aligned tables. Colors follow the Ayu palette and
// adapt to light and dark terminals.
package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	ColorPass = lipgloss.AdaptiveColor{Light: "#86b300", Dark: "#c2d94c"}
	ColorWarn = lipgloss.AdaptiveColor{Light: "#f2ae49", Dark: "#ffb454"}
	ColorFail = lipgloss.AdaptiveColor{Light: "#f07171", Dark: "#f07178"}
	// ColorMuted is used for metadata and separators.
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#828c99", Dark: "#6c7680"}
	ColorAccent = lipgloss.AdaptiveColor{Light: "#399ee6", Dark: "#59c2ff"}
)

var (
	PassStyle     = lipgloss.NewStyle().Foreground(ColorPass)
	WarnStyle     = lipgloss.NewStyle().Foreground(ColorWarn)
	FailStyle     = lipgloss.NewStyle().Foreground(ColorFail)
	MutedStyle    = lipgloss.NewStyle().Foreground(ColorMuted)
	AccentStyle   = lipgloss.NewStyle().Foreground(ColorAccent)
	CategoryStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)
)

const (
	IconPass = "✓"
	IconWarn = "⚠"
	IconFail = "✗"
	IconSkip = "-"
)

// SeparatorLight is drawn between sections of a report.
const SeparatorLight = "──────────────────────────────────────────"

func render(style lipgloss.Style, s string) string {
	if !ColorEnabled() {
		return s
	}
	return style.Render(s)
}

func RenderPass(s string) string   { return render(PassStyle, s) }
func RenderWarn(s string) string   { return render(WarnStyle, s) }
func RenderFail(s string) string   { return render(FailStyle, s) }
func RenderMuted(s string) string  { return render(MutedStyle, s) }
func RenderAccent(s string) string { return render(AccentStyle, s) }

// RenderCategory renders a section header in upper case.
func RenderCategory(s string) string {
	return render(CategoryStyle, strings.ToUpper(s))
}

// RenderSeparator renders the light separator in the muted color.
func RenderSeparator() string {
	return RenderMuted(SeparatorLight)
}

// RenderVerdict colors a validator verdict: approve is green, reject red,
// anything else yellow.
func RenderVerdict(verdict string) string {
	switch verdict {
	case "approve", "approved":
		return RenderPass(IconPass + " " + verdict)
	case "reject", "rejected":
		return RenderFail(IconFail + " " + verdict)
	case "":
		return RenderMuted(IconSkip)
	default:
		return RenderWarn(IconWarn + " " + verdict)
	}
}

// RenderState colors an entity state. Final states are green, blocked and
// recovery yellow, the rest are accented.
func RenderState(state string, final bool) string {
	switch {
	case final:
		return RenderPass(state)
	case state == "blocked" || state == "recovery":
		return RenderWarn(state)
	default:
		return RenderAccent(state)
	}
}

// RenderReady renders the readiness marker used by task listings.
func RenderReady(ready bool) string {
	if ready {
		return RenderPass(IconPass + " ready")
	}
	return RenderFail(IconFail + " blocked")
}
