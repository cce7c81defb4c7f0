package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/assembler"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/auth"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/config"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/dispatcher"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/embedding"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/inference"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/logging"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/metastore"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/orchestrator"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/server"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/supervisor"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/telemetry"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/vectorstore"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/vkp"
)

// configError marks failures that map to exit code 2.
type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ce configError
	if errors.As(err, &ce) {
		return 2
	}
	return 1
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the edge daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return configError{fmt.Errorf("configuration: %w", err)}
		}
		if debugFlag {
			cfg.Debug = true
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(parent context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := logging.Initialize(filepath.Join(cfg.DataDir, "logs"), cfg.Debug); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer logging.Sync()
	log := logging.Get("edged")
	log.Info("starting", zap.String("name", cfg.Name), zap.String("addr", cfg.ListenAddr))

	// Storage.
	meta, err := metastore.New(cfg.MetaDBPath(), metastore.Options{
		SpillDir: cfg.SpillDir(),
	})
	if err != nil {
		return fmt.Errorf("metadata store: %w", err)
	}
	defer meta.Close()

	vectors, err := vectorstore.New(cfg.VectorDBPath(), vectorstore.Options{})
	if err != nil {
		return fmt.Errorf("vector store: %w", err)
	}
	defer vectors.Close()

	// Model runtime.
	perCall, _ := cfg.PerCallTimeout()
	engine := inference.NewLlamaEngine(cfg.Model)
	if err := engine.Load(ctx); err != nil {
		if cfg.Model.RequireModel {
			return fmt.Errorf("model load: %w", err)
		}
		log.Warn("starting without a loaded model", zap.Error(err))
	}

	embedder, err := embedding.NewProvider(cfg.Embedding)
	if err != nil {
		return configError{fmt.Errorf("embedding provider: %w", err)}
	}

	// Telemetry.
	aggregator := telemetry.NewAggregator(cfg.Name, func() telemetry.SystemReport {
		probeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		bytes, _ := vectors.StorageBytes(probeCtx)
		return telemetry.SystemReport{
			ModelVersion:  engine.Version(),
			StorageBytes:  bytes,
			PendingWrites: meta.PendingWrites(),
			Degraded:      meta.Degraded(),
		}
	})
	uploader := telemetry.NewUploader(aggregator, cfg.TelemetrySinkURL)
	uploader.Interval = cfg.TelemetryUploadInterval()

	// Pipeline.
	limits := inference.DefaultLimits()
	limits.PerCallTimeout = perCall
	orch := orchestrator.New(orchestrator.Options{
		Embedder: embedder,
		Vectors:  vectors,
		Engine:   engine,
		Meta:     meta,
		Recorder: aggregator,
		TopK:     cfg.RetrievalTopK,
		Budget:   assembler.DefaultBudget(cfg.ContextWindowTokens),
		Limits:   limits,
		Lang:     cfg.InstructionalLang,
	})

	disp := dispatcher.New(dispatcher.Config{
		MaxConcurrent:   cfg.MaxConcurrentInferences,
		MaxQueueDepth:   cfg.MaxQueueDepth,
		RequestDeadline: 60 * time.Second,
	}, orch.Process)

	// Lifecycle and supervision.
	manager := vkp.NewManager(meta, vectors, vkp.NewClient(cfg.VKPSourceURL))
	manager.PollInterval = cfg.VKPPollInterval()

	sup := supervisor.New(supervisor.Options{
		Meta:       meta,
		Vectors:    vectors,
		Engine:     engine,
		Dispatcher: disp,
		BackupDir:  cfg.BackupDir(),
	})
	// Spilled writes from the previous run replay before the listener
	// opens.
	if err := sup.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	srv := server.New(server.Options{
		Auth:        auth.New(meta, cfg.SessionTTL()),
		Dispatcher:  disp,
		Meta:        meta,
		VKP:         manager,
		Supervisor:  sup,
		ListenAddr:  cfg.ListenAddr,
		DefaultLang: cfg.InstructionalLang,
	})

	meta.Start(ctx)
	disp.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe() })
	g.Go(func() error { manager.Run(gctx); return nil })
	g.Go(func() error { uploader.Run(gctx); return nil })
	g.Go(func() error { sup.Run(gctx); return nil })
	g.Go(func() error {
		return config.Watch(gctx, configPath, func(updated config.Config) {
			logging.SetDebug(updated.Debug)
			log.Info("configuration reloaded")
		})
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := disp.Drain(shutdownCtx); err != nil {
			log.Warn("drain incomplete at shutdown", zap.Error(err))
		}
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	disp.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("stopped")
	return nil
}
