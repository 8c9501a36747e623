package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Iron-Ham/grind/internal/worker"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a single worker against the queue",
	Long: `Run one worker. Any number of workers, started by grind run or by hand on
any host sharing the state directory, may work the same queue.

SIGINT or SIGTERM lets the current task finish before exiting; a second
signal aborts it.`,
	RunE: runWorker,
}

var (
	workerID   string
	workerOnce bool
)

func init() {
	workerCmd.Flags().StringVar(&workerID, "id", "", "worker id (default: generated)")
	workerCmd.Flags().BoolVar(&workerOnce, "once", false, "exit once no task can run anymore")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	id := workerID
	if id == "" {
		id = worker.NewID(0)
	}

	e, err := openEnv(id)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	client, err := e.inferenceClient(ctx)
	if err != nil {
		return err
	}

	logger := e.logger.WithWorker(id)
	w, err := worker.New(e.workerConfig(id, workerOnce), e.locks, e.log, client, worker.WithLogger(logger))
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case <-sigs:
		case <-ctx.Done():
			return
		}
		logger.Info("stop requested, finishing current task")
		w.Stop()

		select {
		case <-sigs:
			logger.Warn("second signal, aborting current task")
			cancel()
		case <-ctx.Done():
		}
	}()

	return w.Run(ctx)
}
