package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"jobrunner/internal/config"
	"jobrunner/internal/observability/pprof"
	"jobrunner/internal/storage"
	"jobrunner/internal/system"
	"jobrunner/pkg/logx"
)

func newRunCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the job runner and block until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runSystem(ctx, *cfgPath)
		},
	}
}

func runSystem(ctx context.Context, cfgPath string) error {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("INFO").With(logx.String("comp", "config")))
	cfg, err := cfgm.Load()
	if err != nil {
		return err
	}

	logSvc, log := logx.New(cfg.LogxConfig())
	defer logSvc.Close()
	log = log.With(logx.String("comp", "run"))

	sc, err := cfg.StorageConfig()
	if err != nil {
		return err
	}
	backend, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	sysCfg, err := cfg.SystemConfig()
	if err != nil {
		_ = backend.Close()
		return err
	}
	sys := system.New(sysCfg, backend, log)
	defer sys.Close()

	if cfg.Pprof.Enabled {
		prof := pprof.New(pprof.Config{
			Enabled:       true,
			Addr:          cfg.Pprof.Addr,
			Token:         cfg.Pprof.Token,
			AllowInsecure: cfg.Pprof.AllowInsecure,
		}, log)
		if err := prof.Start(); err != nil {
			return err
		}
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
			prof.Stop(sctx)
			scancel()
		}()
	}

	sys.Start()
	sys.Recover()

	// File edits adjust the log level without a restart; everything else
	// takes effect on the next start.
	go func() { _ = cfgm.Watch(ctx) }()
	updates := cfgm.Subscribe(1)
	defer cfgm.Unsubscribe(updates)

	log.Info("job runner started", logx.String("config", cfgPath))
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		case next := <-updates:
			if next != nil && next.Logging.Level != cfg.Logging.Level {
				logSvc.SetLevel(next.Logging.Level)
				log.Info("log level changed", logx.String("level", next.Logging.Level))
			}
			if next != nil {
				cfg = next
			}
		}
	}
}
