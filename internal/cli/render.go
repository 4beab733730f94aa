package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/raphaelgruber/journalchat/internal/chat"
	"github.com/raphaelgruber/journalchat/internal/metrics"
	"github.com/raphaelgruber/journalchat/internal/models"
)

// Theme holds the color scheme for chat output.
type Theme struct {
	User      lipgloss.Color
	Assistant lipgloss.Color
	Citation  lipgloss.Color
	Success   lipgloss.Color
	Error     lipgloss.Color
	Hint      lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	User:      lipgloss.Color("#5FAFD7"), // light blue
	Assistant: lipgloss.Color("#AF87FF"), // lavender
	Citation:  lipgloss.Color("#D7AF5F"), // amber
	Success:   lipgloss.Color("#00D787"), // green
	Error:     lipgloss.Color("#FF005F"), // red
	Hint:      lipgloss.Color("#6C6C6C"), // dim gray
}

// Style functions for dynamic theming
func (t Theme) userStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.User).Bold(true)
}

func (t Theme) assistantStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Assistant).Bold(true)
}

func (t Theme) citationStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Citation)
}

func (t Theme) successStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

const streamingCursor = "▍"

// renderTranscript renders every message of st, wrapped to width.
func renderTranscript(t Theme, st chat.State, width int) string {
	if st.Loading && len(st.Messages) == 0 {
		return t.hintStyle().Render("Loading session...")
	}
	if len(st.Messages) == 0 {
		return t.hintStyle().Render("Ask something about your journal.")
	}

	parts := make([]string, 0, len(st.Messages))
	for _, msg := range st.Messages {
		parts = append(parts, renderMessage(t, msg, width, msg.ID == st.ActiveID))
	}
	return strings.Join(parts, "\n\n")
}

// renderMessage renders one message with its role label, citations and
// failure marker.
func renderMessage(t Theme, msg models.Message, width int, streaming bool) string {
	var b strings.Builder

	if msg.Role == models.RoleUser {
		b.WriteString(t.userStyle().Render("You"))
	} else {
		b.WriteString(t.assistantStyle().Render("Journal"))
	}
	b.WriteString("\n")

	body := msg.Content
	if streaming {
		body += streamingCursor
	}
	if body != "" {
		b.WriteString(wrap(body, width))
	}

	if len(msg.Citations) > 0 {
		b.WriteString("\n")
		b.WriteString(renderCitations(t, msg.Citations))
	}

	if msg.Failed {
		b.WriteString("\n")
		b.WriteString(t.errorStyle().Render("✗ " + msg.Error))
		if msg.Error != chat.ReasonSuperseded {
			b.WriteString(" ")
			b.WriteString(t.hintStyle().Render("(/retry to resend)"))
		}
	}
	return b.String()
}

// renderCitations lists the journal entries an answer draws on.
func renderCitations(t Theme, citations []models.Citation) string {
	lines := make([]string, 0, len(citations)+1)
	lines = append(lines, t.hintStyle().Render("Sources:"))
	for i, c := range citations {
		label := c.Title
		if label == "" {
			label = c.EntryID
		}
		if c.Date != "" {
			label += " · " + c.Date
		}
		lines = append(lines, t.citationStyle().Render(fmt.Sprintf("  [%d] %s", i+1, label)))
	}
	return strings.Join(lines, "\n")
}

func wrap(s string, width int) string {
	if width <= 0 {
		return s
	}
	return lipgloss.NewStyle().Width(width).Render(s)
}

// formatSession renders one line of a session listing.
func formatSession(s models.ChatSession, stats *models.SessionStats) string {
	line := fmt.Sprintf("- %s  %s", s.ID, s.Title)
	if stats != nil {
		line += fmt.Sprintf("  (%d messages", stats.MessageCount)
		if stats.LastMessageAt != nil {
			line += ", last " + formatAge(time.Since(*stats.LastMessageAt))
		}
		line += ")"
	}
	return line
}

// formatAge renders a coarse "3h ago" style duration.
func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// printStats displays client-side request and stream statistics.
func printStats(w io.Writer, snap metrics.Snapshot) {
	fmt.Fprintf(w, "Client Statistics (this run)\n")
	fmt.Fprintf(w, "════════════════════════════\n")
	fmt.Fprintf(w, "Uptime: %.1f seconds\n", snap.UptimeSeconds)

	if snap.Requests != nil {
		fmt.Fprintf(w, "\nREST Requests:\n")
		printOpStats(w, snap.Requests)
	}

	if snap.Streams != nil {
		fmt.Fprintf(w, "\nStreams:\n")
		printOpStats(w, snap.Streams)
		printTokenStats(w, snap.Streams)
	}
}

// printOpStats displays timing statistics for an operation.
func printOpStats(w io.Writer, op *metrics.OperationSnapshot) {
	fmt.Fprintf(w, "  Calls: %d, Failed: %d, Total: %dms\n", op.Count, op.Failures, op.TotalTimeMs)
	fmt.Fprintf(w, "  Time: avg %.1fms, min %dms, max %dms\n",
		op.AvgTimeMs, op.MinTimeMs, op.MaxTimeMs)
}

// printTokenStats displays token statistics if available.
func printTokenStats(w io.Writer, op *metrics.OperationSnapshot) {
	if op.TotalTokens == nil {
		return
	}
	fmt.Fprintf(w, "  Tokens: %d total", *op.TotalTokens)
	if op.AvgTokens != nil {
		fmt.Fprintf(w, ", avg %.0f", *op.AvgTokens)
	}
	if op.MinTokens != nil && op.MaxTokens != nil {
		fmt.Fprintf(w, ", min %d, max %d", *op.MinTokens, *op.MaxTokens)
	}
	fmt.Fprintln(w)
	if op.AvgFirstTokenMs != nil {
		fmt.Fprintf(w, "  First token: avg %.1fms\n", *op.AvgFirstTokenMs)
	}
}
