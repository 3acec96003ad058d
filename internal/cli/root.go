package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/llmbatch/internal/core/config"
	"github.com/vietddude/llmbatch/internal/processing/engine"
)

// Exit codes.
const (
	ExitOK        = 0
	ExitError     = 1
	ExitAborted   = 2
	ExitCancelled = 130
)

const defaultConfigPath = "llmbatch.yaml"

var (
	cfgPath string
	isDebug bool
)

var rootCmd = &cobra.Command{
	Use:   "llmbatch",
	Short: "Resilient batch processing through LLM completion APIs",
	Long: `llmbatch sends every record of an input file through an LLM completion API,
checkpointing each outcome so an interrupted or aborted run can be resumed
without repeating finished work.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	cmd, err := rootCmd.ExecuteC()
	code := exitCode(err)
	if code == ExitError {
		slog.Error("Command failed", "command", cmd.Name(), "error", err)
	}
	return code
}

func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitError
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath, "config file")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
}

// exitError carries a non-error exit status out of a command.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// loadConfig loads the configuration and initialises logging. A missing
// default config file is not an error.
func loadConfig(cmd *cobra.Command) (*config.AppConfig, error) {
	_ = godotenv.Load()

	path := cfgPath
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = ""
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		stylelog.InitDefault()
		return nil, err
	}

	slogLevel := slog.LevelInfo
	switch {
	case isDebug || cfg.Logging.Level == "debug":
		slogLevel = slog.LevelDebug
	case cfg.Logging.Level == "warn":
		slogLevel = slog.LevelWarn
	case cfg.Logging.Level == "error":
		slogLevel = slog.LevelError
	}

	stylelog.InitDefault(&tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM. A second signal exits
// immediately.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("Received signal, draining in-flight work...", "signal", sig)
			cancel()
		case <-done:
			return
		}
		select {
		case sig := <-sigChan:
			slog.Warn("Received second signal, exiting", "signal", sig)
			os.Exit(ExitCancelled)
		case <-done:
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		close(done)
		cancel()
	}
}

// finish logs the result and maps it to an exit status.
func finish(res engine.Result, err error) error {
	if err != nil {
		if res.RunID != "" {
			slog.Error("Run failed", "run_id", res.RunID, "error", err)
		}
		return err
	}

	slog.Info("Run finished",
		"run_id", res.RunID,
		"state", res.State(),
		"processed", res.Processed,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"interrupted", res.Interrupted,
		"total_tokens", res.Usage.TotalTokens,
	)

	switch {
	case res.Aborted:
		slog.Info("Resume with: llmbatch resume " + res.RunID)
		return &exitError{code: ExitAborted}
	case res.Cancelled:
		slog.Info("Resume with: llmbatch resume " + res.RunID)
		return &exitError{code: ExitCancelled}
	}
	return nil
}
