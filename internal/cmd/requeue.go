package cmd

import (
	"fmt"
	"os/user"
	"strings"

	"github.com/spf13/cobra"
)

var requeueCmd = &cobra.Command{
	Use:   "requeue <task-id>...",
	Short: "Return failed tasks to pending",
	Long: `Record a requeued event for each failed task so workers pick it up again.
Failed tasks are never retried automatically. Tasks that are not failed are
refused. The tasks that depend directly on each requeued task are listed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRequeue,
}

var requeueOperator string

func init() {
	requeueCmd.Flags().StringVar(&requeueOperator, "operator", "", "name recorded in the event (default: current user)")
	rootCmd.AddCommand(requeueCmd)
}

func runRequeue(cmd *cobra.Command, args []string) error {
	e, err := openEnv("")
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	operator := requeueOperator
	if operator == "" {
		operator = "operator"
		if u, err := user.Current(); err == nil && u.Username != "" {
			operator = u.Username
		}
	}

	for _, id := range args {
		if _, ok := e.queue.Task(id); !ok {
			return fmt.Errorf("task %s is not in queue %s", id, e.queue.Name)
		}
		ev, err := e.log.Requeue(id, operator)
		if err != nil {
			return err
		}
		msg := fmt.Sprintf("requeued %s (attempt %d failed)", id, ev.Attempt)
		if waiting := e.queue.Dependents(id); len(waiting) > 0 {
			msg += "; waiting on it: " + strings.Join(waiting, ", ")
		}
		fmt.Fprintln(cmd.OutOrStdout(), msg)
	}
	return nil
}
