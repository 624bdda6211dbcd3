// Package cmd implements the queuectl command line.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/udaykr117/queuectl/internal/config"
	"github.com/udaykr117/queuectl/internal/dlq"
	"github.com/udaykr117/queuectl/internal/logger"
	"github.com/udaykr117/queuectl/internal/queue"
	"github.com/udaykr117/queuectl/internal/runner"
	"github.com/udaykr117/queuectl/internal/settings"
	"github.com/udaykr117/queuectl/internal/storage"
	"github.com/udaykr117/queuectl/internal/worker"
)

// app holds what every subcommand needs once the store is open.
type app struct {
	cfg        *config.Config
	log        *logger.ZapLogger
	store      *storage.Store
	settings   *settings.Service
	queue      *queue.Service
	dlq        *dlq.Service
	supervisor *worker.Supervisor
	format     outputFormat
	out        io.Writer
}

func (a *app) open(ctx context.Context, cmd *cobra.Command) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	log, err := cfg.Logger()
	if err != nil {
		return err
	}
	format, err := parseOutputFormat(cmd.Flag("output").Value.String())
	if err != nil {
		return err
	}

	store, err := storage.Open(ctx, cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	cfgSvc := settings.NewService(store)
	if err := cfgSvc.EnsureDefaults(ctx); err != nil {
		store.Close()
		return err
	}

	sup := worker.NewSupervisor(store, cfgSvc, runner.New(cfg.JobTimeout), worker.SupervisorConfig{
		LogDir:     cfg.LogDir(),
		JobTimeout: cfg.JobTimeout,
		Logger:     log,
	})

	a.cfg = cfg
	a.log = log
	a.store = store
	a.settings = cfgSvc
	a.queue = queue.NewService(store, cfgSvc, sup, log)
	a.dlq = dlq.NewService(store, log)
	a.supervisor = sup
	a.format = format
	a.out = cmd.OutOrStdout()
	return nil
}

func (a *app) close() {
	if a.log != nil {
		_ = a.log.Sync()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("failed to close store", "error", err)
		}
		a.store = nil
	}
}

// render prints v as JSON or YAML when requested and reports whether it did.
func (a *app) render(v any) (bool, error) {
	return render(a.out, a.format, v)
}

func skipsStore(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "completion", cobra.ShellCompRequestCmd, cobra.ShellCompNoDescRequestCmd:
			return true
		}
	}
	return false
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&app{})
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "queuectl",
		Short: "A CLI-based background job queue system",
		Long: `queuectl runs shell commands as durable background jobs.

Jobs are stored in SQLite under the queuectl home directory and executed by
workers with retries, exponential backoff and a dead letter queue.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if skipsStore(cmd) {
				return nil
			}
			return a.open(cmd.Context(), cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}

	flags := root.PersistentFlags()
	flags.String("home", "", "queuectl home directory (default ~/.queuectl, env QUEUECTL_HOME)")
	flags.String("log-level", string(logger.InfoLevel), "log level: debug, info, warn, error")
	flags.String("log-format", string(logger.TextFormat), "log format: text, json")
	flags.StringP("output", "o", string(formatTable), "output format: table, json, yaml")

	root.AddCommand(
		newEnqueueCmd(a),
		newListCmd(a),
		newShowCmd(a),
		newDeleteCmd(a),
		newStatusCmd(a),
		newWorkerCmd(a),
		newDLQCmd(a),
		newConfigCmd(a),
		newDashboardCmd(a),
	)
	return root
}

// Execute runs the CLI. SIGINT and SIGTERM cancel the command context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a := &app{}
	// PersistentPostRun is skipped when a command fails.
	defer a.close()
	return newRootCmd(a).ExecuteContext(ctx)
}
