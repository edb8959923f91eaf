package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/aixgo-dev/threadsync/pkg/history"
	"github.com/aixgo-dev/threadsync/pkg/reconcile"
	"github.com/aixgo-dev/threadsync/pkg/thread"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62"))

	keyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Width(8)

	roleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("135")).
			Width(10)

	provisionalStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("214")).
				Italic(true)

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	textStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("255"))
)

// maxTextWidth truncates long message bodies in listings.
const maxTextWidth = 72

func renderSnapshot(w io.Writer, threadID string, snap reconcile.Snapshot) {
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%s  %d messages  %s", threadID, len(snap.Messages), snap.Status)))
	if snap.Err != nil {
		fmt.Fprintln(w, failedStyle.Render("error: "+snap.Err.Error()))
	}
	for _, m := range snap.Messages {
		fmt.Fprintln(w, renderMessage(m))
	}
	if snap.Status == history.CanLoadMore {
		fmt.Fprintln(w, keyStyle.UnsetWidth().Render("(more available)"))
	}
}

func renderMessage(m thread.Message) string {
	body := summarize(m)
	switch {
	case m.Status == thread.StatusFailed:
		body = failedStyle.Render(body + " [failed]")
	case m.Status.Provisional():
		body = provisionalStyle.Render(body + " [" + string(m.Status) + "]")
	default:
		body = textStyle.Render(body)
	}
	return keyStyle.Render(m.Key().String()) + roleStyle.Render(string(m.Role)) + body
}

// summarize picks the text to show for m: its text, or a tool call list.
func summarize(m thread.Message) string {
	text := m.Text
	if text == "" {
		var tools []string
		for _, p := range m.Parts {
			if p.Type == thread.PartTool {
				tools = append(tools, fmt.Sprintf("%s(%s)", p.ToolName, p.State))
			}
		}
		text = strings.Join(tools, " ")
	}
	text = strings.ReplaceAll(text, "\n", " ")
	if r := []rune(text); len(r) > maxTextWidth {
		text = string(r[:maxTextWidth-1]) + "…"
	}
	return text
}
