package main

import (
	"fmt"
	"strings"
	"time"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"

	"github.com/harunnryd/parley/internal/conversation"
	"github.com/harunnryd/parley/internal/store"
)

var (
	accent    = lipgloss.Color("99")
	muted     = lipgloss.Color("245")
	dim       = lipgloss.Color("241")
	failColor = lipgloss.Color("203")

	headerStyle  = lipgloss.NewStyle().Foreground(accent).Bold(true).Align(lipgloss.Center).Padding(0, 1)
	oddRowStyle  = lipgloss.NewStyle().Foreground(muted).Padding(0, 1)
	evenRowStyle = lipgloss.NewStyle().Foreground(dim).Padding(0, 1)
	borderStyle  = lipgloss.NewStyle().Foreground(accent)
	roleStyle    = lipgloss.NewStyle().Foreground(accent).Bold(true)
	noteStyle    = lipgloss.NewStyle().Foreground(muted).Italic(true)
	errorStyle   = lipgloss.NewStyle().Foreground(failColor).Bold(true)
)

func formatConversations(list []store.ConversationMeta) string {
	if len(list) == 0 {
		return "No conversations found"
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case row%2 == 0:
				return evenRowStyle
			default:
				return oddRowStyle
			}
		}).
		Headers("ID", "Messages", "Updated")

	for _, meta := range list {
		t.Row(truncateString(meta.ID, 36), fmt.Sprint(meta.MessageCount), meta.UpdatedAt.Local().Format(time.DateTime))
	}
	return t.String()
}

func formatModels(names []string, defaultModel string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return oddRowStyle
		}).
		Headers("Model", "Default")
	for _, name := range names {
		mark := ""
		if name == defaultModel {
			mark = "*"
		}
		t.Row(name, mark)
	}
	return t.String()
}

// formatMessage renders one stored or folded message for the terminal.
func formatMessage(msg conversation.Message) string {
	var b strings.Builder
	b.WriteString(roleStyle.Render(string(msg.Role)))
	b.WriteString("\n")
	if msg.Content != "" {
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	for _, call := range msg.ToolCalls {
		b.WriteString(formatToolCall(call.ToolName, string(call.Status), call.Label))
		b.WriteString("\n")
	}
	for _, entry := range msg.Plan {
		b.WriteString(noteStyle.Render(fmt.Sprintf("  [%s] %s", entry.Status, entry.Content)))
		b.WriteString("\n")
	}
	return b.String()
}

func formatToolCall(name, status, label string) string {
	line := fmt.Sprintf("  ⚙ %s (%s)", name, status)
	if label != "" {
		line += " " + label
	}
	return noteStyle.Render(line)
}

func truncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
