package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

const pollInterval = 2 * time.Second

type tickMsg time.Time

type jobsMsg struct {
	jobs []JobSummary
	err  error
}

type detailMsg struct {
	detail *JobDetail
	err    error
}

// JobsModel is the top-level watcher: a job table, and a detail pane that
// follows one job's progress, log and result.
type JobsModel struct {
	client *Client
	styles Styles

	width  int
	height int

	table    table.Model
	progress progress.Model
	detail   viewport.Model
	renderer *glamour.TermRenderer

	jobs     []JobSummary
	selected string
	current  *JobDetail
	showing  bool
	lastErr  error
}

// NewJobsModel builds the watcher. A non-empty jobID opens straight into
// that job's detail pane.
func NewJobsModel(client *Client, jobID string) JobsModel {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Job", Width: 24},
			{Title: "Type", Width: 20},
			{Title: "Status", Width: 12},
			{Title: "Progress", Width: 10},
			{Title: "Updated", Width: 20},
		}),
		table.WithFocused(true),
		table.WithHeight(15),
	)

	m := JobsModel{
		client:   client,
		styles:   DefaultStyles(),
		table:    t,
		progress: progress.New(progress.WithDefaultGradient()),
		detail:   viewport.New(80, 20),
		selected: jobID,
		showing:  jobID != "",
	}
	return m
}

func (m JobsModel) Init() tea.Cmd {
	cmds := []tea.Cmd{m.fetchJobs(), tick()}
	if m.showing {
		cmds = append(cmds, m.fetchDetail(m.selected))
	}
	return tea.Batch(cmds...)
}

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m JobsModel) fetchJobs() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), pollInterval)
		defer cancel()
		jobs, err := m.client.ListJobs(ctx)
		return jobsMsg{jobs: jobs, err: err}
	}
}

func (m JobsModel) fetchDetail(jobID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), pollInterval)
		defer cancel()
		detail, err := m.client.JobStatus(ctx, jobID)
		return detailMsg{detail: detail, err: err}
	}
}

func (m JobsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetHeight(msg.Height - 6)
		m.detail.Width = msg.Width - 4
		m.detail.Height = msg.Height - 8
		m.progress.Width = msg.Width - 20
		m.renderer = nil // rebuilt at the new width on next render
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "enter":
			if !m.showing {
				if row := m.table.SelectedRow(); row != nil {
					m.selected = row[0]
					m.showing = true
					m.current = nil
					return m, m.fetchDetail(m.selected)
				}
			}
		case "esc":
			if m.showing {
				m.showing = false
				m.current = nil
				return m, nil
			}
		case "r":
			if m.showing {
				return m, m.fetchDetail(m.selected)
			}
			return m, m.fetchJobs()
		}

	case tickMsg:
		cmds := []tea.Cmd{tick(), m.fetchJobs()}
		if m.showing {
			cmds = append(cmds, m.fetchDetail(m.selected))
		}
		return m, tea.Batch(cmds...)

	case jobsMsg:
		if msg.err != nil {
			m.lastErr = msg.err
			return m, nil
		}
		m.lastErr = nil
		m.jobs = msg.jobs
		m.table.SetRows(m.rows())
		return m, nil

	case detailMsg:
		if msg.err != nil {
			m.lastErr = msg.err
			return m, nil
		}
		m.lastErr = nil
		m.current = msg.detail
		m.detail.SetContent(m.renderDetail(msg.detail))
		return m, nil
	}

	var cmd tea.Cmd
	if m.showing {
		m.detail, cmd = m.detail.Update(msg)
	} else {
		m.table, cmd = m.table.Update(msg)
	}
	return m, cmd
}

func (m *JobsModel) rows() []table.Row {
	rows := make([]table.Row, 0, len(m.jobs))
	for _, j := range m.jobs {
		rows = append(rows, table.Row{
			j.JobID,
			j.Type,
			j.Status,
			fmt.Sprintf("%3.0f%%", j.Progress*100),
			j.UpdatedAt,
		})
	}
	return rows
}

// renderDetail composes the detail pane as markdown and renders it through
// glamour, so result payloads read like a report instead of raw JSON.
func (m *JobsModel) renderDetail(d *JobDetail) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", d.JobID)
	fmt.Fprintf(&b, "**Type:** %s  \n**Status:** %s  \n**Progress:** %.0f%%\n\n", d.Type, d.Status, d.Progress*100)

	if len(d.Logs) > 0 {
		b.WriteString("## Log\n\n")
		for _, entry := range d.Logs {
			ts, _ := entry["timestamp"].(string)
			msg, _ := entry["message"].(string)
			fmt.Fprintf(&b, "- `%s` %s\n", ts, msg)
		}
		b.WriteString("\n")
	}

	if len(d.Result) > 0 {
		b.WriteString("## Result\n\n```json\n")
		if pretty, err := json.MarshalIndent(d.Result, "", "  "); err == nil {
			b.Write(pretty)
		}
		b.WriteString("\n```\n")
	}

	if m.renderer == nil {
		width := m.detail.Width
		if width <= 0 {
			width = 80
		}
		m.renderer, _ = glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(width-2),
		)
	}
	if m.renderer != nil {
		if out, err := m.renderer.Render(b.String()); err == nil {
			return out
		}
	}
	return b.String()
}

func (m JobsModel) View() string {
	var b strings.Builder
	b.WriteString(m.styles.Title.Render("dossier jobs"))
	b.WriteString("\n\n")

	if m.showing {
		if m.current == nil {
			b.WriteString(m.styles.Subtle.Render("Loading " + m.selected + "..."))
		} else {
			b.WriteString(m.styles.Selected.Render(m.current.JobID))
			b.WriteString("  ")
			b.WriteString(m.styles.RenderStatus(m.current.Status))
			b.WriteString("\n")
			if m.current.Status == "running" {
				b.WriteString(m.progress.ViewAs(m.current.Progress))
				b.WriteString("\n")
			}
			b.WriteString(m.styles.Border.Render(m.detail.View()))
		}
		b.WriteString("\n")
		b.WriteString(m.styles.Subtle.Render("esc: back · r: refresh · q: quit"))
	} else {
		b.WriteString(m.table.View())
		b.WriteString("\n")
		b.WriteString(m.styles.Subtle.Render("enter: follow job · r: refresh · q: quit"))
	}

	if m.lastErr != nil {
		b.WriteString("\n")
		b.WriteString(m.styles.Error.Render("error: " + m.lastErr.Error()))
	}
	return lipgloss.NewStyle().Padding(1, 2).Render(b.String())
}
