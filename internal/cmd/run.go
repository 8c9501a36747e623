package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Iron-Ham/grind/internal/orchestrator"
	"github.com/Iron-Ham/grind/internal/worker"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the queue to completion with a pool of workers",
	Long: `Validate the queue, size a worker pool from the widest layer of its
dependency graph, and supervise the workers until every task is completed,
failed, or blocked behind a failure.

The first interrupt asks workers to finish their current task and exit. Workers
still running after orchestrator.shutdown_grace_seconds are killed and their
tasks recorded as aborted.`,
	RunE: runRun,
}

var (
	runMaxWorkers int
	runInProcess  bool
)

func init() {
	runCmd.Flags().IntVarP(&runMaxWorkers, "workers", "n", 0, "maximum workers (overrides orchestrator.max_workers)")
	runCmd.Flags().BoolVar(&runInProcess, "in-process", false, "run workers as goroutines instead of child processes")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	e, err := openEnv("orchestrator")
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	maxWorkers := e.cfg.Orchestrator.MaxWorkers
	if runMaxWorkers > 0 {
		maxWorkers = runMaxWorkers
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var launcher orchestrator.Launcher
	if runInProcess {
		client, err := e.inferenceClient(ctx)
		if err != nil {
			return err
		}
		launcher = &orchestrator.InProcessLauncher{NewRunner: func(id string) (orchestrator.Runner, error) {
			return worker.New(e.workerConfig(id, true), e.locks, e.log, client,
				worker.WithLogger(e.logger.WithWorker(id)))
		}}
	} else {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to locate executable: %w", err)
		}
		launcher = &orchestrator.ExecLauncher{
			Executable: exe,
			Args:       forwardedFlags(),
			WorkerArgs: []string{"--once"},
		}
	}

	orch, err := orchestrator.New(orchestrator.Config{
		QueuePath:     e.cfg.Queue.Path,
		Models:        e.models,
		MinWorkers:    min(e.cfg.Orchestrator.MinWorkers, maxWorkers),
		MaxWorkers:    maxWorkers,
		ShutdownGrace: e.cfg.Orchestrator.ShutdownGrace(),
	}, e.locks, e.log, launcher, orchestrator.WithLogger(e.logger))
	if err != nil {
		return err
	}

	report, err := orch.Run(ctx)
	printReport(cmd.OutOrStdout(), report)
	return err
}

func printReport(w io.Writer, r orchestrator.Report) {
	fmt.Fprintf(w, "workers: %d started, %d exited, %d crashed, %d killed\n",
		r.Workers, len(r.Exited), len(r.Crashes), len(r.Killed))
	fmt.Fprintf(w, "tasks: %d completed, %d failed, %d blocked, %d remaining\n",
		r.Load.Completed, r.Load.Failed, r.Load.Blocked, r.Load.Remaining())
	for _, c := range r.Crashes {
		fmt.Fprintf(w, "  %s\n", c.Error())
	}
	if len(r.Aborted) > 0 {
		fmt.Fprintf(w, "aborted: %v\n", r.Aborted)
	}
}
