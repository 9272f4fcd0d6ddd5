// Package ui holds terminal styling shared by the pile commands.
package ui

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/sergi/go-diff/diffmatchpatch"
	"golang.org/x/term"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle  = lipgloss.NewStyle().Width(18).Foreground(lipgloss.Color("244"))
)

// RenderPass renders a success marker or message.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders a warning marker or message.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail renders an error marker or message.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderAccent renders an informational marker.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderMuted renders secondary text.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderHeader renders a section header.
func RenderHeader(s string) string { return headerStyle.Render(s) }

// Field renders an aligned "label value" line.
func Field(label string, value any) string {
	return labelStyle.Render(label) + fmt.Sprint(value)
}

// Ago renders t relative to now, or "never" for the zero time.
func Ago(t, now time.Time) string {
	if t.IsZero() {
		return RenderMuted("never")
	}
	d := now.Sub(t).Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%s (just now)", t.Local().Format(time.DateTime))
	case d < time.Hour:
		return fmt.Sprintf("%s (%dm ago)", t.Local().Format(time.DateTime), int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%s (%dh ago)", t.Local().Format(time.DateTime), int(d.Hours()))
	default:
		return fmt.Sprintf("%s (%dd ago)", t.Local().Format(time.DateTime), int(d.Hours()/24))
	}
}

// RenderDiffs renders a line diff: insertions green with "+", deletions
// red with "-".
func RenderDiffs(diffs []diffmatchpatch.Diff) string {
	var b strings.Builder
	for _, d := range diffs {
		text := strings.TrimSuffix(d.Text, "\n")
		for _, line := range strings.Split(text, "\n") {
			switch d.Type {
			case diffmatchpatch.DiffInsert:
				b.WriteString(passStyle.Render("+ " + line))
			case diffmatchpatch.DiffDelete:
				b.WriteString(failStyle.Render("- " + line))
			default:
				b.WriteString(mutedStyle.Render("  " + line))
			}
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// IsInteractive reports whether stdin and stdout are both terminals.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}
