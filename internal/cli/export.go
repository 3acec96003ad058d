package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/vietddude/llmbatch/internal/control"
	"github.com/vietddude/llmbatch/internal/infra/sink"
)

var (
	exportFilter string
	exportFormat string
)

var exportCmd = &cobra.Command{
	Use:   "export <run_id> <output>",
	Short: "Write the latest outcome of every unit to a JSONL or Parquet file",
	Args:  cobra.ExactArgs(2),
	RunE:  runExport,
}

func init() {
	exportCmd.Flags().StringVar(&exportFilter, "only", string(sink.FilterAll), "which outcomes to export: all, success or failures")
	exportCmd.Flags().StringVar(&exportFormat, "format", "", "jsonl or parquet (default from the file extension)")
	exportCmd.Flags().StringVar(&backend, "backend", "", "checkpoint backend: file, sqlite, postgres, redis or memory")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	runID, out := args[0], args[1]

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if backend != "" {
		cfg.Checkpoint.Backend = backend
	}

	filter := sink.Filter(exportFilter)
	switch filter {
	case sink.FilterAll, sink.FilterSuccess, sink.FilterFailures:
	default:
		return fmt.Errorf("invalid --only %q", exportFilter)
	}

	format := sink.FormatFor(out)
	if exportFormat != "" {
		format = sink.Format(exportFormat)
	}

	outcomes, err := control.Outcomes(context.Background(), cfg.Checkpoint, runID)
	if err != nil {
		return err
	}
	rows, err := sink.Rows(outcomes, filter)
	if err != nil {
		return err
	}
	if err := sink.WriteFile(out, format, rows); err != nil {
		return err
	}

	slog.Info("Exported outcomes", "run_id", runID, "rows", len(rows), "format", format, "path", out)
	return nil
}
