package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jo-hoe/mediajobs/internal/queue"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and maintain the task queue",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Count tasks per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(func(a *app) error {
				stats, err := a.scheduler.Stats(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), formatQueueStats(stats))
				return nil
			})
		},
	}

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete finished tasks past their retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(func(a *app) error {
				n, err := a.scheduler.Purge(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Purged %d task(s).\n", n)
				return nil
			})
		},
	}

	queueCmd.AddCommand(statsCmd, purgeCmd)
	return queueCmd
}

func formatQueueStats(stats map[queue.Status]int) string {
	rows := make([][]string, 0, len(queue.AllStatuses())+1)
	total := 0
	for _, st := range queue.AllStatuses() {
		rows = append(rows, []string{string(st), strconv.Itoa(stats[st])})
		total += stats[st]
	}
	rows = append(rows, []string{"total", strconv.Itoa(total)})
	return renderTable([]string{"Status", "Tasks"}, rows, []columnAlignment{alignLeft, alignRight})
}
