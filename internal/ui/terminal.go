package ui

import (
	"os"
	"sync"

	"golang.org/x/term"
)

var (
	colorOnce    sync.Once
	colorEnabled bool
	colorForced  *bool
)

// ShouldUseColor reports whether stdout should receive ANSI colors.
// NO_COLOR wins over everything, CLICOLOR_FORCE enables color without a
// terminal and CLICOLOR=0 disables it.
func ShouldUseColor() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	if v := os.Getenv("CLICOLOR_FORCE"); v != "" && v != "0" {
		return true
	}
	if os.Getenv("CLICOLOR") == "0" {
		return false
	}
	return IsTerminal(os.Stdout)
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

// TerminalWidth returns the width of stdout, or fallback when it is not a
// terminal.
func TerminalWidth(fallback int) int {
	if !IsTerminal(os.Stdout) {
		return fallback
	}
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return fallback
	}
	return w
}

// ColorEnabled is ShouldUseColor evaluated once, unless overridden by
// SetColor.
func ColorEnabled() bool {
	if colorForced != nil {
		return *colorForced
	}
	colorOnce.Do(func() { colorEnabled = ShouldUseColor() })
	return colorEnabled
}

// SetColor overrides color detection, for --json output and tests.
func SetColor(on bool) {
	colorForced = &on
}
