package ui

import "github.com/charmbracelet/lipgloss"

// Styles holds the lipgloss styles shared by the watcher views.
type Styles struct {
	Title    lipgloss.Style
	Subtle   lipgloss.Style
	Selected lipgloss.Style
	Error    lipgloss.Style
	Border   lipgloss.Style

	StatusQueued    lipgloss.Style
	StatusRunning   lipgloss.Style
	StatusCompleted lipgloss.Style
	StatusFailed    lipgloss.Style
	StatusCancelled lipgloss.Style
}

func DefaultStyles() Styles {
	return Styles{
		Title:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86")),
		Subtle:   lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		Selected: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")),
		Error:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1),

		StatusQueued:    lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		StatusRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		StatusCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		StatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		StatusCancelled: lipgloss.NewStyle().Foreground(lipgloss.Color("133")),
	}
}

// RenderStatus colors a job status for display.
func (s Styles) RenderStatus(status string) string {
	switch status {
	case "queued":
		return s.StatusQueued.Render(status)
	case "running":
		return s.StatusRunning.Render(status)
	case "completed":
		return s.StatusCompleted.Render(status)
	case "failed":
		return s.StatusFailed.Render(status)
	case "cancelled":
		return s.StatusCancelled.Render(status)
	default:
		return status
	}
}
