package metrics

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"triage/internal/domain"
)

// Dashboard renders a Snapshot for terminal display.
type Dashboard struct {
	styles dashboardStyles
	width  int
}

type dashboardStyles struct {
	Border    lipgloss.Style
	Header    lipgloss.Style
	Label     lipgloss.Style
	Value     lipgloss.Style
	Success   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
}

// NewDashboard creates a dashboard renderer.
func NewDashboard() *Dashboard {
	return &Dashboard{
		width:  80,
		styles: defaultDashboardStyles(),
	}
}

func defaultDashboardStyles() dashboardStyles {
	return dashboardStyles{
		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1),
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86")),
		Label: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")),
		Value: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("255")),
		Success: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("82")),
		Error: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196")),
		Highlight: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214")),
	}
}

// SetWidth sets the dashboard width.
func (d *Dashboard) SetWidth(w int) {
	d.width = w
}

// Render returns the formatted snapshot.
func (d *Dashboard) Render(snap Snapshot) string {
	var content strings.Builder

	content.WriteString(d.styles.Header.Render("TRIAGE"))
	content.WriteString("\n")

	uptime := time.Since(snap.StartTime).Round(time.Second)
	row1 := fmt.Sprintf("%s %s │ %s %s │ %s %s",
		d.styles.Label.Render("Turns:"),
		d.styles.Value.Render(fmt.Sprintf("%d", snap.Turns)),
		d.styles.Label.Render("Uptime:"),
		d.styles.Value.Render(uptime.String()),
		d.styles.Label.Render("Escalation rate:"),
		d.formatEscalationRate(snap),
	)
	content.WriteString(row1)
	content.WriteString("\n")

	row2 := fmt.Sprintf("%s %s │ %s %s │ %s %s │ %s %s",
		d.styles.Label.Render("Dispatched:"),
		d.styles.Success.Render(fmt.Sprintf("%d", snap.Dispatches)),
		d.styles.Label.Render("Clarified:"),
		d.styles.Highlight.Render(fmt.Sprintf("%d", snap.Clarifies)),
		d.styles.Label.Render("Escalated:"),
		d.styles.Error.Render(fmt.Sprintf("%d", snap.Escalations)),
		d.styles.Label.Render("Tickets:"),
		d.styles.Value.Render(fmt.Sprintf("%d", snap.TicketsCreated)),
	)
	content.WriteString(row2)
	content.WriteString("\n")

	lastEvent := snap.LastEvent
	if lastEvent == "" {
		lastEvent = "none"
	}
	row3 := fmt.Sprintf("%s %s │ %s %s (%s)",
		d.styles.Label.Render("Domains:"),
		d.styles.Value.Render(formatDomains(snap.ByDomain)),
		d.styles.Label.Render("Last:"),
		d.styles.Value.Render(lastEvent),
		elapsedLabel(snap.LastEventTime),
	)
	content.WriteString(row3)

	return d.styles.Border.Width(d.width - 4).Render(content.String())
}

// RenderCompact returns a single-line summary.
func (d *Dashboard) RenderCompact(snap Snapshot) string {
	return fmt.Sprintf("[triage] %d turns │ %d dispatched │ %d clarified │ %d escalated │ %d tickets",
		snap.Turns, snap.Dispatches, snap.Clarifies, snap.Escalations, snap.TicketsCreated)
}

func (d *Dashboard) formatEscalationRate(snap Snapshot) string {
	if snap.Turns == 0 {
		return d.styles.Success.Render("0%")
	}
	rate := float64(snap.Escalations) / float64(snap.Turns) * 100
	formatted := fmt.Sprintf("%.0f%%", rate)
	switch {
	case rate <= 5:
		return d.styles.Success.Render(formatted)
	case rate <= 20:
		return d.styles.Highlight.Render(formatted)
	default:
		return d.styles.Error.Render(formatted)
	}
}

func formatDomains(byDomain map[domain.Domain]int64) string {
	if len(byDomain) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(byDomain))
	for k := range byDomain {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, byDomain[domain.Domain(k)]))
	}
	return strings.Join(parts, " ")
}

func elapsedLabel(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	elapsed := time.Since(t)
	switch {
	case elapsed < time.Second:
		return "now"
	case elapsed < time.Minute:
		return fmt.Sprintf("%.0fs", elapsed.Seconds())
	default:
		return fmt.Sprintf("%.0fm", elapsed.Minutes())
	}
}
