package cmd

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/grind/internal/inference"
	"github.com/Iron-Ham/grind/internal/orchestrator"
	"github.com/Iron-Ham/grind/internal/queue"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a queue file without running it",
	Long: `Load the queue, check every task against the schema and the model
allow-list, and verify the dependency graph has no unknown references or
cycles. With --write a valid queue is rewritten in normalized form.`,
	RunE: runValidate,
}

var validateWrite bool

func init() {
	validateCmd.Flags().BoolVar(&validateWrite, "write", false, "rewrite the queue file in normalized form")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	models, err := inference.AllowList(cfg.Inference.AllowedModels)
	if err != nil {
		return err
	}

	q, err := orchestrator.Validate(cfg.Queue.Path, validateWrite, queue.WithModels(models))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	levels := queue.Levels(q)
	fmt.Fprintf(out, "queue %s: %d tasks in %d levels\n", q.Name, len(q.Tasks), len(levels))
	for i, ids := range levels {
		fmt.Fprintf(out, "  level %d: %s\n", i, strings.Join(ids, ", "))
	}
	if validateWrite {
		fmt.Fprintf(out, "rewrote %s\n", cfg.Queue.Path)
	}
	return nil
}
