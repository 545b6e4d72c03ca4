package main

import (
	"context"
	"database/sql"
	"fmt"

	"consejo/internal/agents"
	"consejo/internal/artifact"
	"consejo/internal/config"
	"consejo/internal/defense"
	"consejo/internal/deliberation"
	"consejo/internal/directory"
	"consejo/internal/llm"
	"consejo/internal/logging"
	"consejo/internal/notify"
	"consejo/internal/quota"
	"consejo/internal/retrieval"
	"consejo/internal/store"
	"consejo/internal/tenant"
)

// app is the composition root: every subsystem wired from config.
type app struct {
	db        *sql.DB
	directory *directory.Store
	gate      *quota.Gate
	defense   *defense.Service
	corpus    *retrieval.Corpus
	retriever *retrieval.Retriever
	states    *deliberation.SQLStateStore
	board     *deliberation.StatusBoard
	orch      *deliberation.Orchestrator
	artifacts *artifact.Store
}

func newApp(cfg *config.Config) (*app, error) {
	db, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, err
	}

	dir, err := directory.NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	plans := make(map[string]quota.Plan, len(cfg.Quota.Plans))
	for name, p := range cfg.Quota.Plans {
		plans[name] = quota.Plan{Name: name, RequestsPerDay: p.RequestsPerDay, TokensPerDay: p.TokensPerDay}
	}
	gate, err := quota.NewGate(db, dir, plans, cfg.Quota.DefaultPlan)
	if err != nil {
		db.Close()
		return nil, err
	}

	defenseSvc, err := defense.NewService(cfg.Storage.DefenseFileRoot)
	if err != nil {
		db.Close()
		return nil, err
	}

	corpus, err := retrieval.NewCorpus(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	var embedder retrieval.Embedder
	if cfg.Retrieval.EmbedderKey != "" {
		embedder, err = retrieval.NewGenAIEmbedder(context.Background(), cfg.Retrieval.EmbedderKey, cfg.Retrieval.EmbedderModel)
		if err != nil {
			logging.Get(logging.CategoryBoot).Warnw("dense embedder disabled", "error", err)
			embedder = nil
		}
	}
	retriever := retrieval.NewRetriever(corpus, embedder, cfg.GetRetrievalCacheTTL())

	model := llm.NewClient(llm.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.GetLLMTimeout(),
	})

	registry := agents.NewRegistry()
	if cfg.Pipeline.AgentFile != "" {
		if err := registry.LoadOverrides(cfg.Pipeline.AgentFile); err != nil {
			db.Close()
			return nil, err
		}
	}
	runner := agents.NewRunner(registry, agents.NewToolRegistry(retriever), model, retriever, defenseSvc, agents.RunnerConfig{
		ModelTimeout:     cfg.GetLLMTimeout(),
		RetrievalTimeout: cfg.GetRetrievalTimeout(),
		RetryBase:        cfg.GetRetryBase(),
		RetrievalK:       cfg.Retrieval.TopK,
		MaxRetries:       cfg.Pipeline.MaxRetries,
	})

	states, err := deliberation.NewSQLStateStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	board := deliberation.NewStatusBoard()

	artifacts, err := artifact.NewStore(cfg.Storage.ArtifactRoot)
	if err != nil {
		db.Close()
		return nil, err
	}

	graph := deliberation.NewStageGraph(cfg.Pipeline.AuditorEnabled)
	orch := deliberation.NewOrchestrator(graph, runner, states, defenseSvc, board, gate, notify.NewLogNotifier(), deliberation.Config{
		StageTimeout:     cfg.GetStageTimeout(),
		MaxDeliberations: int64(cfg.Limits.MaxConcurrentDeliberations),
	})

	return &app{
		db:        db,
		directory: dir,
		gate:      gate,
		defense:   defenseSvc,
		corpus:    corpus,
		retriever: retriever,
		states:    states,
		board:     board,
		orch:      orch,
		artifacts: artifacts,
	}, nil
}

func (a *app) close(ctx context.Context) {
	if err := a.orch.Shutdown(ctx); err != nil {
		logging.Get(logging.CategoryBoot).Warnw("shutdown incomplete", "error", err)
	}
	a.db.Close()
}

// callerTenant builds the tenant context from the global flags.
func callerTenant() (tenant.Context, error) {
	if empresa == "" {
		return tenant.Background(), fmt.Errorf("--empresa is required")
	}
	return tenant.New(userID, empresa, []string{empresa}, asAdmin), nil
}
