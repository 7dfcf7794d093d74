package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/offsvc/wimforge/internal/admin"
	"github.com/offsvc/wimforge/internal/logger"
	"github.com/offsvc/wimforge/pkg/batch"
	"github.com/offsvc/wimforge/pkg/config"
	"github.com/offsvc/wimforge/pkg/hive"
	"github.com/offsvc/wimforge/pkg/hive/tweaks"
	"github.com/offsvc/wimforge/pkg/imaging"
	"github.com/offsvc/wimforge/pkg/lease"
	"github.com/offsvc/wimforge/pkg/metrics"
	"github.com/offsvc/wimforge/pkg/mount"
	"github.com/offsvc/wimforge/pkg/progress"
	"github.com/offsvc/wimforge/pkg/servicing"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: "+config.GetDefaultConfigPath()+")")
	jobPath := flag.String("job", "", "Run a single job manifest and exit")
	logLevel := flag.String("log-level", "", "Override log level (DEBUG, INFO, WARN, ERROR)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Configure logger
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	logger.SetLevel(cfg.Logging.Level)
	if err := logger.SetOutput(cfg.Logging.Output); err != nil {
		log.Fatalf("Failed to configure log output: %v", err)
	}

	fmt.Println("wimforge - offline Windows image servicing")
	logger.Info("Log level set to: %s", cfg.Logging.Level)

	// Metrics are only worth collecting when something can scrape them
	if cfg.Admin.Enabled {
		metrics.InitRegistry()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Build the servicing stack bottom-up: native servicer, leases, mounts,
	// hive protocol, then the per-target executor.
	servicer := imaging.NewDISMServicer(cfg.Servicing.DismPath)
	leases := lease.NewRegistry()
	mounts := mount.NewManager(servicer, leases, mount.Config{
		AcquireTimeout:  cfg.Servicing.AcquireTimeout,
		MountsPerSecond: cfg.Servicing.MountsPerSecond,
		MountBurst:      cfg.Servicing.MountBurst,
	})

	regExe := hive.NewRegExe(cfg.Hive.RegPath)
	protocol := hive.NewProtocol(regExe, hive.Config{
		UnloadAttempts:   cfg.Hive.UnloadRetries,
		UnloadRetryDelay: cfg.Hive.UnloadRetryDelay,
	})
	applier := tweaks.NewApplier(protocol, regExe)

	source, err := config.CreateImageSource(ctx, &cfg.Images, cfg.Servicing.ScratchDir)
	if err != nil {
		log.Fatalf("Failed to create image source: %v", err)
	}
	defer source.Close()

	executor := servicing.NewExecutor(mounts, servicer, applier, source,
		metrics.NewServicingMetrics(), cfg.Servicing.MountRoot)

	store, err := config.CreateBatchStore(ctx, &cfg.Store)
	if err != nil {
		log.Fatalf("Failed to create batch store: %v", err)
	}
	defer store.Close()

	orch := batch.NewOrchestrator(store, executor, progress.NewLoggerSink(), metrics.NewBatchMetrics())

	// Sweep mounts left behind by a previous crash before taking new work.
	if reclaimed, err := mounts.Cleanup(ctx); err != nil {
		logger.Warn("Orphaned mount sweep failed: %v", err)
	} else if reclaimed > 0 {
		logger.Info("Reclaimed %d orphaned mount(s) from a previous run", reclaimed)
	}

	if *jobPath != "" {
		runJob(ctx, orch, *jobPath)
		return
	}

	runDaemon(ctx, cancel, cfg, orch, mounts)
}

// runJob executes one manifest to completion and exits non-zero unless every
// target succeeded.
func runJob(ctx context.Context, orch *batch.Orchestrator, path string) {
	req, err := batch.LoadManifest(path)
	if err != nil {
		log.Fatalf("Failed to load job manifest: %v", err)
	}

	op, err := orch.Submit(ctx, req)
	if err != nil {
		log.Fatalf("Failed to submit job: %v", err)
	}
	if err := orch.Start(ctx, op.ID); err != nil {
		log.Fatalf("Failed to start job: %v", err)
	}

	// Forward interrupts as a cooperative cancel so mounts get released.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Warn("Interrupt received, cancelling job...")
		if err := orch.Cancel(ctx, op.ID); err != nil {
			logger.Error("Failed to cancel job: %v", err)
		}
	}()

	if err := orch.Wait(ctx, op.ID); err != nil {
		log.Fatalf("Failed waiting for job: %v", err)
	}

	final, err := orch.Get(ctx, op.ID)
	if err != nil {
		log.Fatalf("Failed to read job result: %v", err)
	}

	logger.Info("Job %q finished: %s", final.Name, final.Status)
	for _, t := range final.Targets {
		line := fmt.Sprintf("  %s (index %d): %s", t.ImagePath, t.ImageIndex, t.Status)
		if t.ErrorMessage != "" {
			line += " - " + t.ErrorMessage
		}
		logger.Info("%s", line)
	}

	if final.Status != batch.StatusCompleted {
		os.Exit(1)
	}
}

// runDaemon resumes pending batches and serves the admin API until a
// shutdown signal arrives.
func runDaemon(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, orch *batch.Orchestrator, mounts *mount.Manager) {
	if started, err := orch.StartPending(ctx); err != nil {
		logger.Warn("Failed to start pending batches: %v", err)
	} else if started > 0 {
		logger.Info("Started %d pending batch(es)", started)
	}

	var adminSrv *admin.Server
	adminDone := make(chan error, 1)
	if cfg.Admin.Enabled {
		adminSrv = admin.NewServer(orch, admin.Config{
			Listen:          cfg.Admin.Listen,
			ShutdownTimeout: cfg.Admin.ShutdownTimeout,
		})
		go func() {
			adminDone <- adminSrv.ListenAndServe()
		}()
	} else {
		logger.Info("Admin API disabled; batches can only be submitted via -job")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("wimforge is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, initiating graceful shutdown...")
	case err := <-adminDone:
		if err != nil {
			logger.Error("Admin server error: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Admin.ShutdownTimeout)
	defer shutdownCancel()

	if adminSrv != nil {
		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Admin server shutdown error: %v", err)
		}
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("Batch shutdown error: %v", err)
	}
	cancel()

	// Cancelled workers release their sessions on the way out; anything
	// still live here needs an operator's attention.
	for _, s := range mounts.Sessions() {
		logger.Warn("Mount still live at shutdown: %s (%s index %d)",
			s.MountPath, s.ImagePath, s.ImageIndex)
	}

	logger.Info("wimforge stopped")
}
