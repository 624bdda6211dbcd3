package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/udaykr117/queuectl/internal/job"
	"github.com/udaykr117/queuectl/internal/queue"
	"github.com/udaykr117/queuectl/internal/worker"
)

func newEnqueueCmd(a *app) *cobra.Command {
	var (
		id         string
		command    string
		maxRetries int
		timeout    int
		delay      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "enqueue [job-json]",
		Short: "Add a new job to the queue",
		Long: `Add a new job to the queue, either from a JSON document or from flags.

  queuectl enqueue '{"id":"job1","command":"sleep 2","max_retries":3}'
  queuectl enqueue --command "echo hello" --max-retries 5

Flags override fields of the JSON document.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req job.EnqueueRequest
			if len(args) == 1 {
				parsed, err := job.ParseEnqueueJSON(args[0])
				if err != nil {
					return err
				}
				req = parsed
			}
			flags := cmd.Flags()
			if flags.Changed("id") {
				req.ID = id
			}
			if flags.Changed("command") {
				req.Command = command
			}
			if flags.Changed("max-retries") {
				req.MaxRetries = &maxRetries
			}
			if flags.Changed("timeout") {
				req.TimeoutSeconds = &timeout
			}
			if delay > 0 {
				req.RunAt = time.Now().UTC().Add(delay)
			}
			if len(args) == 0 && req.Command == "" {
				return errors.New("provide a job JSON argument or --command")
			}

			j, err := a.queue.Enqueue(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("failed to enqueue job: %w", err)
			}
			if ok, err := a.render(j); ok {
				return err
			}
			fmt.Fprintf(a.out, "Job enqueued successfully: %s\n", j.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "job id (generated when empty)")
	cmd.Flags().StringVar(&command, "command", "", "shell command to run")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "attempts before the job is moved to the DLQ (default from config)")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "per-job timeout in seconds (default from job_timeout)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "delay the first attempt, e.g. 30s")
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	var stateFlag string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter *job.State
			if stateFlag != "" {
				state, err := job.ParseState(stateFlag)
				if err != nil {
					return err
				}
				filter = &state
			}
			jobs, err := a.queue.List(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("failed to list jobs: %w", err)
			}
			if ok, err := a.render(jobs); ok {
				return err
			}
			if len(jobs) == 0 {
				if filter != nil {
					fmt.Fprintf(a.out, "No jobs found with state: %s\n", *filter)
				} else {
					fmt.Fprintln(a.out, "No jobs found")
				}
				return nil
			}
			printJobs(a, jobs)
			return nil
		},
	}
	cmd.Flags().StringVarP(&stateFlag, "state", "s", "", "filter by state (pending, processing, completed, failed, dead)")
	return cmd
}

func printJobs(a *app, jobs []job.Job) {
	tw := newTable(a.out, "ID", "STATE", "ATTEMPTS", "MAX_RETRIES", "NEXT_RUN_AT", "CREATED_AT", "COMMAND")
	for _, j := range jobs {
		next := "-"
		if j.State == job.StatePending {
			next = formatTime(j.NextRunAt)
		}
		row(tw, j.ID, j.State, j.Attempts, j.MaxRetries, next, formatTime(j.CreatedAt), truncate(j.Command, 40))
	}
	tw.Flush()
}

func newShowCmd(a *app) *cobra.Command {
	var history int
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show job details and recent executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.queue.Show(cmd.Context(), args[0], history)
			if err != nil {
				return err
			}
			if ok, err := a.render(d); ok {
				return err
			}
			printDetail(a, d)
			return nil
		},
	}
	cmd.Flags().IntVar(&history, "history", queue.DefaultHistory, "number of executions to show")
	return cmd
}

func printDetail(a *app, d *queue.Detail) {
	w := a.out
	fmt.Fprintln(w, "Job Details")
	fmt.Fprintln(w, strings.Repeat("=", 80))
	fmt.Fprintf(w, "%-16s %s\n", "ID:", d.ID)
	fmt.Fprintf(w, "%-16s %s\n", "Command:", d.Command)
	fmt.Fprintf(w, "%-16s %s\n", "State:", d.State)
	fmt.Fprintf(w, "%-16s %d/%d\n", "Attempts:", d.Attempts, d.MaxRetries)
	if d.TimeoutSeconds > 0 {
		fmt.Fprintf(w, "%-16s %ds\n", "Timeout:", d.TimeoutSeconds)
	} else {
		fmt.Fprintf(w, "%-16s default (%s)\n", "Timeout:", a.cfg.JobTimeout)
	}
	if d.State == job.StatePending {
		fmt.Fprintf(w, "%-16s %s\n", "Next Run At:", formatTime(d.NextRunAt))
	}
	if d.OwnerWorkerID != "" {
		fmt.Fprintf(w, "%-16s %s\n", "Worker:", d.OwnerWorkerID)
	}
	fmt.Fprintf(w, "%-16s %s\n", "Created At:", formatTime(d.CreatedAt))
	fmt.Fprintf(w, "%-16s %s\n", "Updated At:", formatTime(d.UpdatedAt))
	if d.LastError != "" {
		fmt.Fprintf(w, "%-16s %s\n", "Last Error:", d.LastError)
	}

	fmt.Fprintln(w, "\nExecutions")
	fmt.Fprintln(w, strings.Repeat("-", 80))
	if len(d.Executions) == 0 {
		fmt.Fprintln(w, "(No executions yet)")
		return
	}
	tw := newTable(w, "ATTEMPT", "WORKER", "STARTED_AT", "DURATION", "EXIT", "RESULT")
	for _, e := range d.Executions {
		row(tw, e.Attempt, e.WorkerID, formatTime(e.StartedAt), time.Duration(e.DurationMs)*time.Millisecond,
			e.ExitCode, executionResult(e))
	}
	tw.Flush()

	fmt.Fprintln(w, "\nOutput (latest execution)")
	fmt.Fprintln(w, strings.Repeat("-", 80))
	if out := d.Executions[0].Output; out != "" {
		fmt.Fprintln(w, strings.TrimRight(out, "\n"))
	} else {
		fmt.Fprintln(w, "(No output available)")
	}
}

func executionResult(e job.Execution) string {
	switch {
	case e.Success:
		return "success"
	case e.TimedOut:
		return "timeout"
	default:
		return "failed"
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a job in any state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.queue.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Job %s deleted\n", args[0])
			return nil
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show job counts by state and registered workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.queue.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}
			if ok, err := a.render(st); ok {
				return err
			}
			w := a.out
			fmt.Fprintln(w, "Job Queue Status")
			fmt.Fprintln(w, "================")
			fmt.Fprintf(w, "Pending:    %d\n", st.Jobs[job.StatePending])
			fmt.Fprintf(w, "Processing: %d\n", st.Jobs[job.StateProcessing])
			fmt.Fprintf(w, "Completed:  %d\n", st.Jobs[job.StateCompleted])
			fmt.Fprintf(w, "Dead:       %d\n", st.Jobs[job.StateDead])
			fmt.Fprintf(w, "Total:      %d\n", st.Total)
			fmt.Fprintln(w)
			fmt.Fprintf(w, "Active Workers: %d\n", st.ActiveWorkers)
			live := make([]worker.Status, 0, len(st.Workers))
			for _, ws := range st.Workers {
				if ws.Alive {
					live = append(live, ws)
				}
			}
			if len(live) > 0 {
				printWorkers(a, live)
			}
			return nil
		},
	}
}
