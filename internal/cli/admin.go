package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"jobrunner/internal/job"
)

func newStatsCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show stored job counts per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openStore(*cfgPath)
			if err != nil {
				return err
			}
			defer store.Close()

			st := store.Stats()
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "total:     %d\n", st.Total)
			for _, s := range job.Statuses() {
				if n := st.ByStatus[string(s)]; n > 0 {
					fmt.Fprintf(w, "%-10s %d\n", string(s)+":", n)
				}
			}
			return nil
		},
	}
}

func newHealthCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the storage backend and failure ratio",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openStore(*cfgPath)
			if err != nil {
				return fmt.Errorf("unhealthy: %w", err)
			}
			defer store.Close()

			w := cmd.OutOrStdout()
			total := store.Count("")
			failed := store.Count(job.StatusFailed)
			if total > 0 && float64(failed)/float64(total) > 0.5 {
				fmt.Fprintf(w, "degraded: high failure rate: %d/%d jobs failed\n", failed, total)
				return nil
			}
			fmt.Fprintln(w, "healthy")
			return nil
		},
	}
}

func newCleanupCmd(cfgPath *string) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove finished jobs older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openStore(*cfgPath)
			if err != nil {
				return err
			}
			defer store.Close()

			n := store.Cleanup(days)
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d jobs\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "remove terminal jobs older than this many days")
	return cmd
}
