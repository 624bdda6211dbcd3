package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage runtime settings",
		Long: `Manage runtime settings stored with the queue.

Known keys:
  max_retries_default  retries for jobs enqueued without max_retries (integer >= 0)
  backoff_base         retry delay is backoff_base^attempts seconds (number > 1)
  poll_interval        seconds an idle worker sleeps between polls (number > 0)

Workers pick up changes on their next cycle.`,
	}

	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := a.settings.Set(cmd.Context(), args[0], args[1])
			if err != nil {
				return fmt.Errorf("failed to set config: %w", err)
			}
			fmt.Fprintf(a.out, "Configuration '%s' set to '%s'\n", args[0], value)
			return nil
		},
	}

	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Print a setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := a.settings.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, value)
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List all settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := a.settings.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list config: %w", err)
			}
			if ok, err := a.render(entries); ok {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(a.out, "No configuration set")
				return nil
			}
			tw := newTable(a.out, "KEY", "VALUE")
			for _, e := range entries {
				row(tw, e.Key, e.Value)
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(set, get, list)
	return cmd
}
