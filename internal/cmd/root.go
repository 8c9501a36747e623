package cmd

import (
	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	queueFile string
)

var rootCmd = &cobra.Command{
	Use:   "grind",
	Short: "Run a dependency-ordered task queue across cooperating workers",
	Long: `Grind executes a queue of inference tasks with a pool of worker processes.

Workers share nothing but the filesystem: a lock directory decides who runs
each task and an append-only execution log records what happened. The queue
file itself is never modified by a run.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./grind.yaml or $HOME/.config/grind/grind.yaml)")
	rootCmd.PersistentFlags().StringVarP(&queueFile, "queue", "q", "", "queue file (overrides queue.path)")
}

// forwardedFlags repeats the global flags for a re-executed worker so it
// reads the same configuration as its parent.
func forwardedFlags() []string {
	var args []string
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	if queueFile != "" {
		args = append(args, "--queue", queueFile)
	}
	return args
}
