package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/udaykr117/queuectl/internal/worker"
)

func newWorkerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Manage worker processes",
	}
	cmd.AddCommand(
		newWorkerStartCmd(a),
		newWorkerStopCmd(a),
		newWorkerListCmd(a),
		newWorkerLogsCmd(a),
	)
	return cmd
}

func newWorkerStartCmd(a *app) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start workers in the foreground",
		Long: `Start workers in this process and block until they stop.

Workers exit after their current job on Ctrl+C, SIGTERM or "queuectl worker stop".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := a.supervisor.Start(cmd.Context(), count)
			if err != nil {
				return fmt.Errorf("failed to start workers: %w", err)
			}
			fmt.Fprintf(a.out, "Started %d worker(s) (PID: %d): %s\n", len(ids), os.Getpid(), strings.Join(ids, ", "))
			fmt.Fprintf(a.out, "Logs: %s\n", a.cfg.LogDir())

			if err := a.supervisor.Wait(); err != nil {
				return fmt.Errorf("worker failed: %w", err)
			}
			fmt.Fprintln(a.out, "Workers stopped successfully")
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "c", 1, "number of workers to start")
	return cmd
}

func newWorkerStopCmd(a *app) *cobra.Command {
	var (
		id      string
		wait    bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask workers to stop after their current job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.supervisor.Stop(cmd.Context(), worker.StopRequest{WorkerID: id, Wait: wait, Timeout: timeout})
			if err != nil {
				return err
			}
			if ok, err := a.render(res); ok {
				return err
			}
			if len(res.Requested) == 0 {
				if len(res.Stopped) > 0 {
					fmt.Fprintf(a.out, "Worker %s is already stopped\n", res.Stopped[0])
				} else {
					fmt.Fprintln(a.out, "No workers are running")
				}
				return nil
			}
			fmt.Fprintf(a.out, "Stop requested for %d worker(s): %s\n", len(res.Requested), strings.Join(res.Requested, ", "))
			if !wait {
				return nil
			}
			if len(res.NotStopped) > 0 {
				return fmt.Errorf("%d worker(s) still running after %s: %s",
					len(res.NotStopped), timeout, strings.Join(res.NotStopped, ", "))
			}
			fmt.Fprintln(a.out, "Workers stopped successfully")
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "stop only this worker")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait until the workers have exited")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long --wait waits (0 waits forever)")
	return cmd
}

func newWorkerListCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			workers, err := a.supervisor.Workers(cmd.Context())
			if err != nil {
				return err
			}
			if !all {
				live := workers[:0]
				for _, w := range workers {
					if w.Alive {
						live = append(live, w)
					}
				}
				workers = live
			}
			if ok, err := a.render(workers); ok {
				return err
			}
			if len(workers) == 0 {
				fmt.Fprintln(a.out, "No workers are running")
				return nil
			}
			printWorkers(a, workers)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include stopped workers")
	return cmd
}

func workerState(w worker.Status) string {
	switch {
	case !w.Alive:
		return "stopped"
	case w.StopRequested:
		return "stopping"
	default:
		return "running"
	}
}

func printWorkers(a *app, workers []worker.Status) {
	tw := newTable(a.out, "ID", "PID", "HOST", "STATE", "CURRENT_JOB", "STARTED_AT", "HEARTBEAT_AT")
	for _, w := range workers {
		row(tw, w.ID, w.PID, w.Hostname, workerState(w), orDash(w.CurrentJobID), formatTime(w.StartedAt), formatTime(w.HeartbeatAt))
	}
	tw.Flush()
}

func newWorkerLogsCmd(a *app) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs <worker-id>",
		Short: "Print the tail of a worker's log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := worker.TailLog(a.cfg.LogDir(), args[0], lines)
			if errors.Is(err, worker.ErrNoLogs) {
				if _, lookupErr := a.store.GetWorker(cmd.Context(), args[0]); lookupErr != nil {
					return lookupErr
				}
			}
			if err != nil {
				return err
			}
			for _, line := range out {
				fmt.Fprintln(a.out, line)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of lines to show")
	return cmd
}
