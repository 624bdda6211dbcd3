package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newDLQCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Manage the dead letter queue",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs in the dead letter queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := a.dlq.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list DLQ jobs: %w", err)
			}
			if ok, err := a.render(jobs); ok {
				return err
			}
			if len(jobs) == 0 {
				fmt.Fprintln(a.out, "No jobs in Dead Letter Queue")
				return nil
			}
			fmt.Fprintf(a.out, "Dead Letter Queue Jobs (%d)\n", len(jobs))
			fmt.Fprintln(a.out, strings.Repeat("=", 80))
			tw := newTable(a.out, "ID", "ATTEMPTS", "UPDATED_AT", "COMMAND", "LAST_ERROR")
			for _, j := range jobs {
				row(tw, j.ID, fmt.Sprintf("%d/%d", j.Attempts, j.MaxRetries), formatTime(j.UpdatedAt),
					truncate(j.Command, 30), truncate(orDash(j.LastError), 50))
			}
			return tw.Flush()
		},
	}

	retry := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Move a dead job back to pending with attempts reset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := a.dlq.Retry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ok, err := a.render(j); ok {
				return err
			}
			fmt.Fprintf(a.out, "Job %s has been reset to pending state and will be retried\n", j.ID)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a job from the dead letter queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.dlq.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Job %s removed from the Dead Letter Queue\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, retry, del)
	return cmd
}
