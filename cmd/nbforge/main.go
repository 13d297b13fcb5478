package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/meridian-research/nbforge/internal/cache"
	"github.com/meridian-research/nbforge/internal/collector"
	"github.com/meridian-research/nbforge/internal/config"
	"github.com/meridian-research/nbforge/internal/dataset"
	"github.com/meridian-research/nbforge/internal/diag"
	"github.com/meridian-research/nbforge/internal/estimate"
	"github.com/meridian-research/nbforge/internal/model"
	"github.com/meridian-research/nbforge/internal/nbcode"
	"github.com/meridian-research/nbforge/internal/orchestrator"
	"github.com/meridian-research/nbforge/internal/provider"
	"github.com/meridian-research/nbforge/internal/scheduler"
	"github.com/meridian-research/nbforge/internal/storage"
	"github.com/meridian-research/nbforge/internal/telemetry"
	"github.com/meridian-research/nbforge/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	level := slog.LevelInfo
	if os.Getenv("NBFORGE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	root := newRootCmd(logger)
	if err := root.ExecuteContext(ctx); err != nil {
		logger.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

// app bundles the shared dependencies every subcommand needs.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	db     *storage.DB
	close  func()
}

func setup(ctx context.Context, logger *slog.Logger) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		db:     db,
		close: func() {
			db.Close()
			_ = otelShutdown(context.Background())
		},
	}, nil
}

// oneShotScheduler refuses deferred work: one-shot commands queue runs and
// leave execution to the worker process.
type oneShotScheduler struct{ logger *slog.Logger }

func (s *oneShotScheduler) Schedule(name string, runAt time.Time, _ scheduler.Task) {
	s.logger.Debug("execution deferred to worker", "task", name, "run_at", runAt)
}

// orchestratorFor wires the full collaborator graph around the given
// scheduler and sink.
func orchestratorFor(a *app, sched scheduler.Scheduler, sink diag.Sink) (*orchestrator.Orchestrator, *cache.Engine) {
	engine := cache.New(a.db, sink, a.logger)
	estimator := estimate.NewStatic(engine, sink, a.logger, a.cfg.BudgetCeiling, a.cfg.FreshnessDays)
	generator := provider.NewSynthetic(a.db, a.logger)
	return orchestrator.New(a.db, estimator, generator, engine, sched, sink, a.cfg.FreshnessDays, a.logger), engine
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "nbforge",
		Short:         "Fifteen-block analytical report pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(logger),
		newQueueCmd(logger),
		newProgressCmd(logger),
		newCancelCmd(logger),
		newStatsCmd(logger),
		newCacheCheckCmd(logger),
		newCleanupCmd(logger),
		newDatasetCmd(logger),
	)
	return root
}

func newServeCmd(logger *slog.Logger) *cobra.Command {
	var resumeInterval time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the worker: executes queued runs until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx, logger)
			if err != nil {
				return err
			}
			defer a.close()

			sink := diag.NewBuffered(a.db, a.logger, a.cfg.DiagFlushInterval, a.cfg.DiagBufferSize)
			sink.Start(ctx)

			sched := scheduler.NewInProcess(ctx, a.logger, a.cfg.WorkerConcurrency)
			orch, _ := orchestratorFor(a, sched, sink)

			a.logger.Info("worker starting",
				"version", version,
				"concurrency", a.cfg.WorkerConcurrency,
				"freshness_days", a.cfg.FreshnessDays)

			resume := time.NewTicker(resumeInterval)
			defer resume.Stop()
			cleanup := time.NewTicker(24 * time.Hour)
			defer cleanup.Stop()

			// Pick up whatever a previous process left behind.
			if _, err := orch.Resume(ctx, 100); err != nil {
				a.logger.Error("initial resume failed", "error", err)
			}

			for {
				select {
				case <-ctx.Done():
					a.logger.Info("worker shutting down")
					drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
					defer cancel()
					sched.Drain(drainCtx)
					sink.Drain(drainCtx)
					return nil
				case <-resume.C:
					if _, err := orch.Resume(ctx, 100); err != nil {
						a.logger.Error("resume sweep failed", "error", err)
					}
				case <-cleanup.C:
					if _, err := orch.CleanupOldRuns(ctx, a.cfg.CleanupMaxAgeDays); err != nil {
						a.logger.Error("cleanup sweep failed", "error", err)
					}
				}
			}
		},
	}

	cmd.Flags().DurationVar(&resumeInterval, "resume-interval", 10*time.Second,
		"how often to sweep for queued runs")
	return cmd
}

func newQueueCmd(logger *slog.Logger) *cobra.Command {
	var (
		primary, counterpart, requestedBy, mode         string
		forceBlocks, forceSynthesis, primOnly, ctprOnly bool
	)

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Queue a new generation run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx, logger)
			if err != nil {
				return err
			}
			defer a.close()

			primaryID, err := uuid.Parse(primary)
			if err != nil {
				return fmt.Errorf("invalid --primary: %w", err)
			}
			var counterpartID *uuid.UUID
			if counterpart != "" {
				id, err := uuid.Parse(counterpart)
				if err != nil {
					return fmt.Errorf("invalid --counterpart: %w", err)
				}
				counterpartID = &id
			}

			sink := diag.NewDirect(a.db, a.logger)
			orch, _ := orchestratorFor(a, &oneShotScheduler{logger: a.logger}, sink)

			run, err := orch.QueueRun(ctx, orchestrator.QueueRequest{
				PrimaryEntityID:     primaryID,
				CounterpartEntityID: counterpartID,
				RequestedBy:         requestedBy,
				Mode:                mode,
				RefreshConfig: model.RefreshConfig{
					ForceNBRefresh:         forceBlocks,
					ForceSynthesisRefresh:  forceSynthesis,
					RefreshPrimaryOnly:     primOnly,
					RefreshCounterpartOnly: ctprOnly,
				},
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, run)
		},
	}

	cmd.Flags().StringVar(&primary, "primary", "", "primary entity id (required)")
	cmd.Flags().StringVar(&counterpart, "counterpart", "", "counterpart entity id")
	cmd.Flags().StringVar(&requestedBy, "requested-by", "cli", "requesting user")
	cmd.Flags().StringVar(&mode, "mode", "single", "run mode")
	cmd.Flags().BoolVar(&forceBlocks, "force-refresh", false, "force regeneration of all blocks")
	cmd.Flags().BoolVar(&forceSynthesis, "force-synthesis", false, "force synthesis re-render")
	cmd.Flags().BoolVar(&primOnly, "refresh-primary-only", false, "regenerate primary-side blocks only")
	cmd.Flags().BoolVar(&ctprOnly, "refresh-counterpart-only", false, "regenerate counterpart-side blocks only")
	_ = cmd.MarkFlagRequired("primary")
	return cmd
}

func newProgressCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "progress <run-id>",
		Short: "Show a run's execution progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx, logger)
			if err != nil {
				return err
			}
			defer a.close()

			runID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id: %w", err)
			}
			orch, _ := orchestratorFor(a, &oneShotScheduler{logger: a.logger}, diag.NewDirect(a.db, a.logger))
			progress, err := orch.GetRunProgress(ctx, runID)
			if err != nil {
				return err
			}
			return printJSON(cmd, progress)
		},
	}
}

func newCancelCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run that has not started",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx, logger)
			if err != nil {
				return err
			}
			defer a.close()

			runID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id: %w", err)
			}
			orch, _ := orchestratorFor(a, &oneShotScheduler{logger: a.logger}, diag.NewDirect(a.db, a.logger))
			cancelled, err := orch.CancelRun(ctx, runID)
			if err != nil {
				return err
			}
			if !cancelled {
				return fmt.Errorf("run %s is not cancellable (already started or finished)", runID)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s cancelled\n", runID)
			return nil
		},
	}
}

func newStatsCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue status counts and average durations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx, logger)
			if err != nil {
				return err
			}
			defer a.close()

			orch, _ := orchestratorFor(a, &oneShotScheduler{logger: a.logger}, diag.NewDirect(a.db, a.logger))
			stats, err := orch.GetQueueStats(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	}
}

func newCacheCheckCmd(logger *slog.Logger) *cobra.Command {
	var primary, counterpart string
	var freshnessDays int

	cmd := &cobra.Command{
		Use:   "cache-check",
		Short: "Check whether a fresh prior run is reusable for an entity pair",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx, logger)
			if err != nil {
				return err
			}
			defer a.close()

			primaryID, err := uuid.Parse(primary)
			if err != nil {
				return fmt.Errorf("invalid --primary: %w", err)
			}
			var counterpartID *uuid.UUID
			if counterpart != "" {
				id, err := uuid.Parse(counterpart)
				if err != nil {
					return fmt.Errorf("invalid --counterpart: %w", err)
				}
				counterpartID = &id
			}
			if freshnessDays <= 0 {
				freshnessDays = a.cfg.FreshnessDays
			}

			engine := cache.New(a.db, diag.NewDirect(a.db, a.logger), a.logger)
			avail, err := engine.CheckCache(ctx, primaryID, counterpartID, freshnessDays)
			if err != nil {
				return err
			}
			return printJSON(cmd, avail)
		},
	}

	cmd.Flags().StringVar(&primary, "primary", "", "primary entity id (required)")
	cmd.Flags().StringVar(&counterpart, "counterpart", "", "counterpart entity id")
	cmd.Flags().IntVar(&freshnessDays, "freshness-days", 0, "freshness window override")
	_ = cmd.MarkFlagRequired("primary")
	return cmd
}

func newCleanupCmd(logger *slog.Logger) *cobra.Command {
	var maxAgeDays int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Archive terminal runs older than the cutoff",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx, logger)
			if err != nil {
				return err
			}
			defer a.close()

			if maxAgeDays <= 0 {
				maxAgeDays = a.cfg.CleanupMaxAgeDays
			}
			orch, _ := orchestratorFor(a, &oneShotScheduler{logger: a.logger}, diag.NewDirect(a.db, a.logger))
			archived, err := orch.CleanupOldRuns(ctx, maxAgeDays)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d runs archived\n", archived)
			return nil
		},
	}

	cmd.Flags().IntVar(&maxAgeDays, "max-age-days", 0, "archive runs older than this")
	return cmd
}

func newDatasetCmd(logger *slog.Logger) *cobra.Command {
	var blocks string

	cmd := &cobra.Command{
		Use:   "dataset <run-id>",
		Short: "Build the canonical dataset for a completed run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx, logger)
			if err != nil {
				return err
			}
			defer a.close()

			runID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id: %w", err)
			}

			requested := nbcode.All()
			if blocks != "" {
				requested = requested[:0]
				for _, raw := range strings.Split(blocks, ",") {
					code, err := nbcode.Normalize(strings.TrimSpace(raw))
					if err != nil {
						return fmt.Errorf("invalid block %q: %w", raw, err)
					}
					requested = append(requested, code)
				}
			}

			normalizer := provider.NewSynthetic(a.db, a.logger)
			coll := collector.New(a.db, normalizer, a.logger)
			in, err := coll.Collect(ctx, runID)
			if err != nil {
				return err
			}

			builder := dataset.New(a.logger)
			ds, err := builder.Build(in, requested, runID)
			if err != nil {
				return err
			}

			out := struct {
				*dataset.Dataset
				CitationDensity dataset.DensityCheck `json:"citation_density"`
			}{ds, builder.ValidateCitationDensity(ds)}
			return printJSON(cmd, out)
		},
	}

	cmd.Flags().StringVar(&blocks, "blocks", "", "comma-separated block codes (default: all fifteen)")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
