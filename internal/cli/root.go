// Package cli implements the jobrunner command tree. The run command hosts
// the full system; the other commands work directly against the configured
// storage backend so jobs can be managed while the runner is down.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"jobrunner/internal/config"
	"jobrunner/internal/storage"
	"jobrunner/pkg/logx"
)

func NewRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "jobrunner",
		Short:         "Priority job queue with scheduling, retries, and persistence",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "path to config file (yaml or json)")

	root.AddCommand(
		newRunCmd(&cfgPath),
		newSubmitCmd(&cfgPath),
		newListCmd(&cfgPath),
		newGetCmd(&cfgPath),
		newCancelCmd(&cfgPath),
		newStatsCmd(&cfgPath),
		newHealthCmd(&cfgPath),
		newCleanupCmd(&cfgPath),
	)
	return root
}

// openStore loads the config and opens the persistence backend for the
// offline commands.
func openStore(cfgPath string) (*config.Config, *storage.JobStore, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	sc, err := cfg.StorageConfig()
	if err != nil {
		return nil, nil, err
	}
	backend, err := storage.Open(sc, logx.Nop())
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	return cfg, storage.NewJobStore(backend, logx.Nop()), nil
}
