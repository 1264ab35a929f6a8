// Package styles holds the lipgloss styles used for command output.
package styles

import (
	"strings"

	"github.com/Iron-Ham/milestone/internal/util"
	"github.com/charmbracelet/lipgloss"
)

var (
	// Colors - all colors meet WCAG AA contrast (4.5:1) on both black and dark surfaces
	PrimaryColor   = lipgloss.Color("#A78BFA") // Purple
	SecondaryColor = lipgloss.Color("#10B981") // Green
	WarningColor   = lipgloss.Color("#F59E0B") // Amber
	ErrorColor     = lipgloss.Color("#F87171") // Red
	MutedColor     = lipgloss.Color("#9CA3AF") // Gray
	BlueColor      = lipgloss.Color("#60A5FA") // Blue
	BorderColor    = lipgloss.Color("#6B7280") // Gray

	// Convenience styles for colors
	Primary   = lipgloss.NewStyle().Foreground(PrimaryColor)
	Secondary = lipgloss.NewStyle().Foreground(SecondaryColor)
	Warning   = lipgloss.NewStyle().Foreground(WarningColor)
	Error     = lipgloss.NewStyle().Foreground(ErrorColor)
	Muted     = lipgloss.NewStyle().Foreground(MutedColor)
	Info      = lipgloss.NewStyle().Foreground(BlueColor)

	// Title
	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(PrimaryColor)

	// Table header
	Header = lipgloss.NewStyle().
		Bold(true).
		Foreground(MutedColor)

	// Key/value labels
	Label = lipgloss.NewStyle().
		Foreground(MutedColor).
		Width(14)

	// Boxed summary
	Box = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(BorderColor).
		Padding(0, 1)

	// Messages
	ErrorMsg = lipgloss.NewStyle().
			Foreground(ErrorColor).
			Bold(true)

	SuccessMsg = lipgloss.NewStyle().
			Foreground(SecondaryColor).
			Bold(true)

	WarningMsg = lipgloss.NewStyle().
			Foreground(WarningColor).
			Bold(true)
)

// ForState picks the color for a workflow or escrow state name.
func ForState(state string) lipgloss.Style {
	s := strings.ToUpper(state)
	switch {
	case s == "TASK_COMPLETE" || s == "COMPLETED" || s == "RESOLVED_FULL" || strings.HasSuffix(s, "_PASSED"):
		return Secondary
	case s == "CANCELLED" || s == "REFUNDED" || strings.HasSuffix(s, "_REJECTED") || strings.HasSuffix(s, "_FAILED"):
		return Error
	case strings.HasPrefix(s, "DISPUTE") || strings.HasPrefix(s, "MEDIATION") || s == "OPEN" || s == "RESOLVED_PARTIAL":
		return Warning
	case s == "ACTIVE" || s == "WORK_IN_PROGRESS" || s == "ESCROW_LOCKED":
		return Info
	}
	return Muted
}

// Table renders rows under bold headers with columns padded to the widest
// cell. Cells wider than MaxWidth are truncated.
type Table struct {
	Headers  []string
	Rows     [][]string
	MaxWidth int
}

// Render returns the table as lines joined by newlines.
func (t Table) Render() string {
	widths := make([]int, len(t.Headers))
	cell := func(s string) string {
		if t.MaxWidth > 0 {
			return util.TruncateANSI(s, t.MaxWidth)
		}
		return s
	}
	for i, h := range t.Headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.Rows {
		for i := range min(len(row), len(widths)) {
			widths[i] = max(widths[i], lipgloss.Width(cell(row[i])))
		}
	}

	var sb strings.Builder
	line := func(cells []string, style *lipgloss.Style) {
		parts := make([]string, len(widths))
		for i := range widths {
			var c string
			if i < len(cells) {
				c = cell(cells[i])
			}
			if style != nil {
				c = style.Render(c)
			}
			if i < len(widths)-1 {
				c = util.PadRight(c, widths[i])
			}
			parts[i] = c
		}
		sb.WriteString(strings.TrimRight(strings.Join(parts, "  "), " "))
		sb.WriteByte('\n')
	}
	line(t.Headers, &Header)
	for _, row := range t.Rows {
		line(row, nil)
	}
	return sb.String()
}

// KeyValue renders label/value pairs one per line.
func KeyValue(pairs ...string) string {
	var sb strings.Builder
	for i := 0; i+1 < len(pairs); i += 2 {
		sb.WriteString(Label.Render(pairs[i]))
		sb.WriteString(pairs[i+1])
		sb.WriteByte('\n')
	}
	return sb.String()
}
