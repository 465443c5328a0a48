package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kromosynth/run-orchestrator/pkg/config"
	"github.com/kromosynth/run-orchestrator/pkg/events"
	"github.com/kromosynth/run-orchestrator/pkg/log"
	"github.com/kromosynth/run-orchestrator/pkg/metrics"
	"github.com/kromosynth/run-orchestrator/pkg/portalloc"
	"github.com/kromosynth/run-orchestrator/pkg/runmanager"
	"github.com/kromosynth/run-orchestrator/pkg/runstore"
	"github.com/kromosynth/run-orchestrator/pkg/scheduler"
	"github.com/kromosynth/run-orchestrator/pkg/servicemgr"
	"github.com/kromosynth/run-orchestrator/pkg/supervisor"
	"github.com/kromosynth/run-orchestrator/pkg/syncmgr"
	"github.com/kromosynth/run-orchestrator/pkg/templates"
	"github.com/kromosynth/run-orchestrator/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const shutdownGrace = 60 * time.Second

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "orchestratord",
	Short: "Orchestrator for long-running evolutionary-search runs",
	Long: `orchestratord supervises evolutionary-search runs: it brings up each
run's auxiliary service cluster on a collision-free port range, spawns
and monitors the compute process, time-slices auto-scheduled runs
across configured templates, and mirrors run outputs to a central
replica.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"orchestratord version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator daemon",
	Long: `Start the orchestrator: reconcile persisted run state against the
live process table, resume the auto-run scheduler, and serve metrics
until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		templatesDir, _ := cmd.Flags().GetString("templates")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		memoryMB, _ := cmd.Flags().GetInt("compute-memory-mb")

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		return serve(cfg, templatesDir, metricsAddr, memoryMB)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to global-defaults.json (default working/global-defaults.json)")
	serveCmd.Flags().String("templates", "templates", "Directory holding run templates")
	serveCmd.Flags().String("metrics-addr", ":9464", "Listen address for the Prometheus /metrics endpoint")
	serveCmd.Flags().Int("compute-memory-mb", 4096, "Memory ceiling for the compute process")
}

func serve(cfg *config.Defaults, templatesDir, metricsAddr string, memoryMB int) error {
	logger := log.WithComponent("main")
	logger.Info().Str("version", Version).Str("working_dir", cfg.Paths.WorkingDir).Msg("starting orchestrator")

	broker := events.NewBroker()
	broker.Start()

	super := supervisor.New()
	alloc := portalloc.New()
	loader := templates.NewLoader(templatesDir)
	services := servicemgr.New(alloc, super)

	store := runstore.New(filepath.Join(cfg.Paths.WorkingDir, "run-state.json"))

	syncMgr, err := syncmgr.New(syncmgr.Config{
		Enabled:          cfg.Sync.Enabled,
		IntervalMS:       cfg.Sync.IntervalMS,
		OnPause:          cfg.Sync.OnPause,
		OnStop:           cfg.Sync.OnStop,
		CentralHost:      cfg.Sync.CentralHost,
		CentralPath:      cfg.Sync.CentralPath,
		DBSyncTool:       cfg.Sync.DBSyncTool,
		ServiceURL:       cfg.Sync.ServiceURL,
		APIKey:           cfg.Sync.APIKey,
		RetryMaxAttempts: cfg.Sync.RetryMaxAttempts,
		FileSyncTimeout:  cfg.Sync.FileSyncTimeout,
		HTTPTimeout:      cfg.Sync.HTTPTimeout,
	}, cfg.Paths.WorkingDir, filepath.Join(cfg.Paths.WorkingDir, "sync-state.json"), broker)
	if err != nil {
		return err
	}

	compute := runmanager.ComputeExecutable{
		Executable:    cfg.Paths.KromosynthCLI,
		Interpreter:   cfg.Paths.NodeInterpreter,
		MemoryLimitMB: memoryMB,
	}
	mgr := runmanager.New(store, services, super, loader, broker, syncMgr, compute, runmanager.Paths{
		WorkingRoot: cfg.Paths.WorkingDir,
		LogsRoot:    cfg.Paths.LogsDir,
		ModelsDir:   cfg.Paths.ModelsDir,
	})

	// Reconcile persisted runs against whatever processes survived the
	// previous orchestrator instance.
	if err := store.Load(super, mgr.TotalGenerationsFunc); err != nil {
		return fmt.Errorf("load run state: %w", err)
	}

	seed := types.SchedulerState{
		Enabled:                cfg.Scheduler.Enabled,
		MaxConcurrent:          cfg.Scheduler.MaxConcurrent,
		Mode:                   types.SchedulerMode(cfg.Scheduler.Mode),
		PauseOnFailure:         cfg.Scheduler.PauseOnFailure,
		MaxFailuresBeforePause: cfg.Scheduler.MaxFailuresBeforePause,
	}
	sched, err := scheduler.Load(filepath.Join(cfg.Paths.WorkingDir, "auto-run-config.json"), seed, mgr, broker, loader)
	if err != nil {
		return err
	}
	sched.Start()

	metricsSrv := &http.Server{Addr: metricsAddr, Handler: metricsMux()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdown(sched, mgr, syncMgr, super, broker, metricsSrv)
	return nil
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// shutdown tears the orchestrator down in dependency order: scheduler
// timers first so nothing new starts, then every active run (each stop
// runs its final sync), then the sync manager, run manager, supervisor,
// and event broker.
func shutdown(sched *scheduler.Scheduler, mgr *runmanager.Manager, syncMgr *syncmgr.Manager, super *supervisor.Supervisor, broker *events.Broker, metricsSrv *http.Server) {
	sched.Stop()

	mainLog := log.WithComponent("main")
	for _, run := range mgr.GetAllRuns() {
		if run.Status.IsTerminal() {
			continue
		}
		if err := mgr.StopRun(run.ID); err != nil {
			mainLog.Warn().Err(err).Str("run_id", run.ID).Msg("failed to stop run during shutdown")
		}
	}

	syncMgr.Stop()
	mgr.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	super.Shutdown(ctx)

	broker.Stop()
	_ = metricsSrv.Shutdown(ctx)
}
