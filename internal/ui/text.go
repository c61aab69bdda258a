package ui

import (
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
)

// Truncate shortens text to maxLen runes, ending in "...". It is UTF-8 safe.
func Truncate(text string, maxLen int) string {
	if utf8.RuneCountInString(text) <= maxLen {
		return text
	}
	if maxLen <= 3 {
		return "..."
	}
	return string([]rune(text)[:maxLen-3]) + "..."
}

// WrapText wraps each line of text at word boundaries to fit maxWidth.
// A single word longer than maxWidth is kept on its own line.
func WrapText(text string, maxWidth int) string {
	if maxWidth <= 0 {
		maxWidth = 80
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = wrapLine(line, maxWidth)
	}
	return strings.Join(lines, "\n")
}

func wrapLine(line string, maxWidth int) string {
	if utf8.RuneCountInString(line) <= maxWidth {
		return line
	}
	var b strings.Builder
	width := 0
	for _, word := range strings.Fields(line) {
		n := utf8.RuneCountInString(word)
		switch {
		case width == 0:
		case width+1+n <= maxWidth:
			b.WriteByte(' ')
			width++
		default:
			b.WriteByte('\n')
			width = 0
		}
		b.WriteString(word)
		width += n
	}
	return b.String()
}

// Indent prefixes every non-empty line of text with prefix.
func Indent(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = prefix + l
		}
	}
	return strings.Join(lines, "\n")
}

// Table lays rows out in left-aligned columns separated by two spaces.
// Cell widths ignore ANSI escapes, so styled cells align too. A non-empty
// header is rendered as a category line.
func Table(header []string, rows [][]string) string {
	cols := len(header)
	for _, r := range rows {
		cols = max(cols, len(r))
	}
	widths := make([]int, cols)
	measure := func(r []string) {
		for i, c := range r {
			widths[i] = max(widths[i], lipgloss.Width(c))
		}
	}
	measure(header)
	for _, r := range rows {
		measure(r)
	}

	var b strings.Builder
	line := func(r []string, style func(string) string) {
		cells := make([]string, len(r))
		for i, c := range r {
			pad := ""
			if i < len(r)-1 {
				pad = strings.Repeat(" ", widths[i]-lipgloss.Width(c))
			}
			cells[i] = style(c) + pad
		}
		b.WriteString(strings.TrimRight(strings.Join(cells, "  "), " "))
		b.WriteByte('\n')
	}
	if len(header) > 0 {
		line(header, RenderCategory)
	}
	for _, r := range rows {
		line(r, func(s string) string { return s })
	}
	return b.String()
}
