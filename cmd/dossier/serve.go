package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dossier/internal/config"
	"dossier/internal/connectors"
	"dossier/internal/embedding"
	"dossier/internal/ingest"
	"dossier/internal/jobs"
	"dossier/internal/llm"
	"dossier/internal/logging"
	"dossier/internal/maker"
	"dossier/internal/monitor"
	"dossier/internal/policy"
	"dossier/internal/search"
	"dossier/internal/server"
	"dossier/internal/store"
	"dossier/internal/workers/export"
	"dossier/internal/workers/research"
	"dossier/internal/workers/retrieve"
	"dossier/internal/workers/transform"
	"dossier/internal/workers/verify"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dossier service",
	Long: `Starts the single-process service: the REST surface, the job
orchestrator, the retention sweeper and any watchers that survived a
restart. Connectors that lack credentials are skipped with a warning;
their endpoints answer 503 until configured.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the service version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Printf("dossier %s\n", cfg.Version)
		return nil
	},
}

// loadConfig resolves the workspace and reads the YAML config, with env
// and .env overrides applied on top.
func loadConfig() (*config.Config, error) {
	ws := workspace
	if ws == "" {
		var err error
		ws, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve workspace: %w", err)
		}
	}
	path := configPath
	if path == "" {
		path = filepath.Join(ws, "dossier.yaml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ws := workspace
	if ws == "" {
		ws, _ = os.Getwd()
	}
	if err := logging.Initialize(ws); err != nil {
		return err
	}
	defer logging.CloseAll()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	embedder, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		return fmt.Errorf("failed to create embedding engine: %w", err)
	}

	pipeline := ingest.NewPipeline(st, cfg, embedder)
	pipeline.RegisterSource(connectors.NewLocalSource())
	pipeline.RegisterSource(connectors.NewFileshareSource())
	if cfg.Policy.Enabled {
		gate, err := policy.NewGate(cfg.Policy)
		if err != nil {
			return fmt.Errorf("failed to load admission policy: %w", err)
		}
		pipeline.SetGate(gate)
	}

	deps := server.Deps{
		Config:   cfg,
		Store:    st,
		Pipeline: pipeline,
		Searcher: search.New(st, embedder, cfg.Search),
		Monitor:  monitor.New(),
	}

	// The sampler and everything voting-backed is optional at boot; the
	// surface answers 503 for those endpoints until a provider is keyed.
	if client, err := llm.New(cfg.LLM); err != nil {
		logger.Warn("LLM sampler unavailable, consensus endpoints disabled", zap.Error(err))
	} else {
		engine := maker.New(client, maker.Params{
			K:         cfg.Maker.K,
			MaxRounds: cfg.Maker.MaxRounds,
		}, maker.DefaultMaxConcurrent)
		deps.Engine = engine
		deps.SamplerModel = client.Model()
		deps.SamplerProvider = client.Provider()
		deps.Researcher = research.New(engine, client, cfg)
		deps.Verifier = verify.New(engine, client, cfg)
		deps.Transformer = transform.New(engine)
		deps.Exporter = export.New(engine, cfg)
		defer deps.Researcher.Close()
	}

	var gcsFetch retrieve.ObjectFetch
	if gcsSrc, err := connectors.NewGCSSource(ctx); err != nil {
		logger.Warn("Cloud Storage connector unavailable", zap.Error(err))
	} else {
		pipeline.RegisterSource(gcsSrc)
		gcsFetch = func(ctx context.Context, uri string) ([]byte, error) {
			return gcsSrc.Fetch(ctx, ingest.FileRef{Source: store.SourceGCS, SourceID: uri})
		}
	}
	deps.Retriever = retrieve.New(cfg, gcsFetch)

	if drv, err := connectors.NewDriveSource(ctx); err != nil {
		logger.Warn("Drive connector unavailable", zap.Error(err))
	} else {
		pipeline.RegisterSource(drv)
		dw := jobs.NewDriveWatchManager(st, pipeline, drv, cfg)
		dw.Start(ctx)
		defer dw.Stop()
		deps.DriveWatch = dw
	}

	if gm, err := connectors.NewGmailConnector(ctx); err != nil {
		logger.Warn("Gmail connector unavailable", zap.Error(err))
	} else {
		deps.Email = jobs.NewEmailPoller(pipeline, gm, cfg)
	}

	orch := jobs.New(st, pipeline, cfg)
	orch.SetMonitor(deps.Monitor)
	orch.Start(ctx)
	defer orch.Stop()
	deps.Orch = orch

	sweeper := jobs.NewSweeper(st, cfg)
	sweeper.Start(ctx)
	defer sweeper.Stop()
	deps.Sweeper = sweeper

	fm := jobs.NewFileshareManager(st, pipeline, connectors.NewFileshareSource(), cfg)
	if err := fm.Resume(ctx); err != nil {
		logger.Warn("Failed to resume fileshare watchers", zap.Error(err))
	}
	defer fm.StopAll()
	deps.Fileshare = fm

	srv := server.New(ctx, deps)
	logger.Info("dossier listening",
		zap.String("addr", cfg.Server.ListenAddr),
		zap.String("version", cfg.Version))
	return srv.ListenAndServe(ctx)
}
