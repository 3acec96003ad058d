package cli

import (
	"github.com/spf13/cobra"

	"github.com/vietddude/llmbatch/internal/control"
	"github.com/vietddude/llmbatch/internal/core/config"
)

var (
	inputPath     string
	runMode       string
	batchSize     int
	onTrip        string
	serverPort    int
	backend       string
	retryFailures bool
)

var runCmd = &cobra.Command{
	Use:   "run [input]",
	Short: "Start a new run over an input file",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBatch,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <run_id>",
	Short: "Resume a run from its checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  resumeBatch,
}

func init() {
	for _, cmd := range []*cobra.Command{runCmd, resumeCmd} {
		cmd.Flags().StringVar(&runMode, "mode", "", "dispatch mode: sequential or concurrent")
		cmd.Flags().IntVar(&batchSize, "batch-size", 0, "max in-flight units in concurrent mode")
		cmd.Flags().StringVar(&onTrip, "on-trip", "", "circuit breaker action: prompt, abort, continue or http")
		cmd.Flags().IntVar(&serverPort, "port", 0, "status server port (0 disables)")
		cmd.Flags().StringVar(&backend, "backend", "", "checkpoint backend: file, sqlite, postgres, redis or memory")
		rootCmd.AddCommand(cmd)
	}
	runCmd.Flags().StringVar(&inputPath, "input", "", "input file (.jsonl, .csv, .txt, optionally .zst)")
	resumeCmd.Flags().StringVar(&inputPath, "input", "", "override the input file recorded for the run")
	resumeCmd.Flags().BoolVar(&retryFailures, "retry-failures", false, "re-process units whose latest outcome is a failure")
}

// applyFlags overlays command-line flags on cfg.
func applyFlags(cmd *cobra.Command, cfg *config.AppConfig) error {
	if inputPath != "" {
		cfg.Input.Path = inputPath
	}
	if runMode != "" {
		cfg.Run.Mode = runMode
	}
	if batchSize > 0 {
		cfg.Run.BatchSize = batchSize
	}
	if onTrip != "" {
		cfg.Run.OnTrip = onTrip
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = serverPort
	}
	if backend != "" {
		cfg.Checkpoint.Backend = backend
	}
	return cfg.Validate()
}

func runBatch(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		inputPath = args[0]
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	return finish(control.NewRunner(cfg).Run(ctx))
}

func resumeBatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	return finish(control.NewRunner(cfg).Resume(ctx, args[0], retryFailures))
}
