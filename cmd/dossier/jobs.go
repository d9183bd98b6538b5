package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"dossier/cmd/dossier/ui"
)

var jobsPlain bool

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "Watch jobs on a running server",
	Long: `Opens a terminal watcher over the server's job queue. With a job id
it follows that job's progress, log and result; without one it lists
recent jobs and lets you pick one to follow.

Examples:
  dossier jobs
  dossier jobs job-20260826-a1b2c3d4
  dossier jobs --plain`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobs,
}

func runJobs(cmd *cobra.Command, args []string) error {
	client := ui.NewClient(serverURL)

	if jobsPlain {
		return printJobs(client)
	}

	jobID := ""
	if len(args) == 1 {
		jobID = args[0]
	}
	program := tea.NewProgram(ui.NewJobsModel(client, jobID), tea.WithAltScreen())
	_, err := program.Run()
	return err
}

func printJobs(client *ui.Client) error {
	jobs, err := client.ListJobs(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tTYPE\tSTATUS\tPROGRESS\tUPDATED")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.0f%%\t%s\n", j.JobID, j.Type, j.Status, j.Progress*100, j.UpdatedAt)
	}
	return w.Flush()
}
