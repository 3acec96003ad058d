package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/llmbatch/internal/control"
)

var statusCmd = &cobra.Command{
	Use:   "status [run_id...]",
	Short: "Show the progress of checkpointed runs",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&backend, "backend", "", "checkpoint backend: file, sqlite, postgres, redis or memory")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if backend != "" {
		cfg.Checkpoint.Backend = backend
	}

	ctx := context.Background()
	runIDs := args
	if len(runIDs) == 0 {
		runIDs, err = control.ListRuns(ctx, cfg.Checkpoint)
		if err != nil {
			return err
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "RUN\tSTATE\tPROCESSED\tTOTAL\tFAILED\tINPUT\tUPDATED")

	for _, id := range runIDs {
		info, err := control.Inspect(ctx, cfg.Checkpoint, id)
		if err != nil {
			_, _ = fmt.Fprintf(w, "%s\terror: %v\t\t\t\t\t\n", id, err)
			continue
		}
		if info.Snapshot == nil {
			_, _ = fmt.Fprintf(w, "%s\t-\t-\t-\t-\t%s\t-\n", id, info.Manifest.InputPath)
			continue
		}
		s := info.Snapshot
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			id, s.State, s.ProcessedCount, s.TotalCount, s.FailedCount,
			info.Manifest.InputPath, s.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}
