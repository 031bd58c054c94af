package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/SpehKing/eo-cd-slo-sub000/internal/config"
	"github.com/SpehKing/eo-cd-slo-sub000/internal/log"
	"github.com/SpehKing/eo-cd-slo-sub000/internal/server"
	internal_storage "github.com/SpehKing/eo-cd-slo-sub000/internal/storage"
	"github.com/SpehKing/eo-cd-slo-sub000/internal/worker"
	"github.com/SpehKing/eo-cd-slo-sub000/pkg/service"
)

func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("config", "", "Path to the configuration file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full change-detection pipeline",
		Run: func(cmd *cobra.Command, args []string) {
			fresh, _ := cmd.Flags().GetBool("fresh")
			wait, _ := cmd.Flags().GetBool("wait")
			runPipeline(cmd, fresh, wait)
		},
	}
	runCmd.Flags().Bool("fresh", false, "Discard checkpoints and run non-resumable (abort on first failing stage)")
	runCmd.Flags().Bool("wait", false, "Wait for a start command from the control channel before running")

	retryCmd := &cobra.Command{
		Use:   "retry",
		Short: "Reset all failed tasks to pending and exit",
		Run: func(cmd *cobra.Command, args []string) {
			mgr := loadConfig(cmd)
			sm := newStateManager(mgr)
			count := sm.ResetAllFailed()
			fmt.Fprintf(os.Stdout, "Reset %d failed tasks to PENDING\n", count)
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Report per-stage checkpoint progress and exit",
		Run: func(cmd *cobra.Command, args []string) {
			mgr := loadConfig(cmd)
			sm := newStateManager(mgr)
			sm.LoadAll()
			printProgress(sm)
		},
	}

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the monitor/control channel without starting a pipeline run",
		Run: func(cmd *cobra.Command, args []string) {
			runMonitorOnly(cmd)
		},
	}

	rootCmd.AddCommand(runCmd, retryCmd, statusCmd, monitorCmd)
}

func loadConfig(cmd *cobra.Command) *config.Manager {
	if err := godotenv.Load(); err != nil {
		log.GetLogger().Debugf("No .env file loaded: %v", err)
	}
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.GetLogger().Errorf("Failed to load configuration: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	return config.NewManager(cfg)
}

func newStateManager(mgr *config.Manager) *service.StateManager {
	store, err := internal_storage.NewFileCheckpointStore(mgr.Get().Storage.CheckpointDir)
	if err != nil {
		log.GetLogger().Errorf("Failed to open checkpoint store: %v", err)
		os.Exit(1)
	}
	return service.NewStateManager(store, log.GetLogger())
}

func runPipeline(cmd *cobra.Command, fresh, wait bool) {
	logger := log.GetLogger()
	mgr := loadConfig(cmd)
	cfg := mgr.Get()
	if cfg.Storage.PostgresURL == "" {
		fmt.Fprintln(os.Stderr, "Error: storage.postgres_url is required to run the pipeline")
		os.Exit(1)
	}

	sm := newStateManager(mgr)
	mon := service.NewMonitor(sm, logger)

	catalog, err := internal_storage.NewPostgresCatalog(cfg.Storage.PostgresURL)
	if err != nil {
		logger.Errorf("Failed to connect to catalog: %v", err)
		os.Exit(1)
	}
	defer catalog.Close()

	workers := []service.StageWorker{
		worker.NewIngestWorker(mgr, catalog, logger),
		worker.NewDeriveWorker(mgr, catalog, logger),
	}
	ctrl := service.NewController(func() service.RunSettings {
		c := mgr.Get()
		return service.RunSettings{
			Periods:       c.Periods(),
			WaitForStart:  wait || c.Pipeline.WaitForStart,
			Resumable:     c.Pipeline.Resumable && !fresh,
			TaskDelay:     c.Pipeline.TaskDelay,
			PollInterval:  c.Pipeline.PollInterval,
			RetryAttempts: c.Pipeline.RetryAttempts,
			RetryDelay:    c.Pipeline.RetryDelay,
		}
	}, sm, mon, workers, logger)
	mgr.SetActiveProbe(ctrl.IsRunning)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mon.StartBroadcastLoop(ctx, cfg.Pipeline.BroadcastInterval)
	srv := server.New(mgr, sm, mon)
	go func() {
		if err := srv.Start(cfg.Server.Address); err != nil {
			logger.Errorf("Control server error: %v", err)
		}
	}()

	runErr := ctrl.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Control server shutdown: %v", err)
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Pipeline run did not fully succeed: %v\n", runErr)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stdout, "Pipeline run completed successfully")
}

func runMonitorOnly(cmd *cobra.Command) {
	logger := log.GetLogger()
	mgr := loadConfig(cmd)
	cfg := mgr.Get()

	sm := newStateManager(mgr)
	sm.LoadAll()
	mon := service.NewMonitor(sm, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	mon.StartBroadcastLoop(ctx, cfg.Pipeline.BroadcastInterval)

	srv := server.New(mgr, sm, mon)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Start(cfg.Server.Address); err != nil {
		logger.Errorf("Control server error: %v", err)
		os.Exit(1)
	}
}

func printProgress(sm *service.StateManager) {
	progress := sm.AllProgress()
	if len(progress) == 0 {
		fmt.Fprintln(os.Stdout, "No checkpoints found.")
		return
	}
	keys := make([]string, 0, len(progress))
	for k := range progress {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p := progress[k]
		fmt.Fprintf(os.Stdout, "- %s: %.1f%% (%d/%d completed, %d failed, %d skipped) [%s]\n",
			k, p.Progress, p.Completed, p.Total, p.Failed, p.Skipped, p.Status)
	}
}
