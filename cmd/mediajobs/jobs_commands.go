package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jo-hoe/mediajobs/internal/jobs"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect jobs",
	}

	var asJSON bool
	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(func(a *app) error {
				job, err := a.jobs.GetJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), job.View())
				}
				fmt.Fprint(cmd.OutOrStdout(), formatJob(job.View()))
				return nil
			})
		},
	}
	getCmd.Flags().BoolVar(&asJSON, "json", false, "Print the job as JSON")

	var status string
	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := jobs.ListFilter{Status: jobs.Status(strings.ToLower(strings.TrimSpace(status))), Limit: limit}
			return ctx.withApp(func(a *app) error {
				list, err := a.jobs.ListJobs(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if len(list) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No jobs found.")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), formatJobTable(list, time.Now()))
				return nil
			})
		},
	}
	listCmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, processing, completed, failed)")
	listCmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of jobs to show")

	jobsCmd.AddCommand(getCmd, listCmd)
	return jobsCmd
}

func formatJobTable(list []*jobs.Job, now time.Time) string {
	rows := make([][]string, 0, len(list))
	for _, j := range list {
		rows = append(rows, []string{
			j.ID,
			string(j.Kind),
			j.VideoID,
			j.Language,
			string(j.Status),
			strconv.Itoa(j.Progress) + "%",
			strconv.Itoa(j.Attempt),
			formatAge(now.Sub(j.CreatedAt)),
		})
	}
	return renderTable(
		[]string{"ID", "Kind", "Video", "Lang", "Status", "Progress", "Attempt", "Age"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight},
	)
}

func formatJob(v jobs.View) string {
	var b strings.Builder
	line := func(k, val string) {
		if val != "" {
			fmt.Fprintf(&b, "%-12s %s\n", k+":", val)
		}
	}
	line("ID", v.ID)
	line("Kind", string(v.Kind))
	line("Video", v.VideoID)
	line("Language", v.Language)
	line("Status", string(v.Status))
	line("Progress", strconv.Itoa(v.Progress)+"%")
	line("Attempt", strconv.Itoa(v.Attempt))
	line("Created", v.CreatedAt.Format(time.RFC3339))
	if v.CompletedAt != nil {
		line("Finished", v.CompletedAt.Format(time.RFC3339))
	}
	if v.ErrorKind != "" {
		line("Error", v.ErrorKind+": "+v.Error)
	}
	if r := v.Result; r != nil {
		line("Download", r.DownloadURL)
		if r.ExpiresAt != nil {
			line("Expires", r.ExpiresAt.Format(time.RFC3339))
		}
		if len(r.Segments) > 0 {
			line("Segments", strconv.Itoa(len(r.Segments)))
		}
		line("Transcript", r.Text)
	}
	return b.String()
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
