package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/udaykr117/queuectl/internal/dashboard"
)

func newDashboardCmd(a *app) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Start the web dashboard",
		Long:  `Serve a web dashboard and JSON API for monitoring and managing the queue.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("port") {
				port = a.cfg.Dashboard.Port
			}
			if port < 1 || port > 65535 {
				return fmt.Errorf("invalid port %d", port)
			}

			srv := dashboard.New(dashboard.Options{
				Queue:     a.queue,
				DLQ:       a.dlq,
				Workers:   a.supervisor,
				Settings:  a.settings,
				Health:    a.store,
				Logger:    a.log,
				RateLimit: a.cfg.Dashboard.RateLimit,
				RateBurst: a.cfg.Dashboard.RateBurst,
			})
			fmt.Fprintf(a.out, "Dashboard running on http://localhost:%d\n", port)
			serveErr := srv.ListenAndServe(cmd.Context(), fmt.Sprintf(":%d", port))
			// ListenAndServe has stopped the workers started through the API.
			if err := a.supervisor.Wait(); err != nil && serveErr == nil {
				serveErr = fmt.Errorf("worker failed: %w", err)
			}
			return serveErr
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "port to listen on (default from dashboard.port)")
	return cmd
}
