package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/tailor/internal/agent"
	"github.com/ashureev/tailor/internal/config"
	"github.com/ashureev/tailor/internal/contextstore"
	"github.com/ashureev/tailor/internal/extract"
	"github.com/ashureev/tailor/internal/llm"
	"github.com/ashureev/tailor/internal/metrics"
	"github.com/ashureev/tailor/internal/sessions"
	"github.com/ashureev/tailor/internal/store"
	"github.com/ashureev/tailor/internal/tools"
)

// app holds the wired dependencies shared by serve and chat.
type app struct {
	cfg       *config.Config
	repo      *store.SQLiteStore
	contexts  contextstore.Provider
	metrics   *metrics.Metrics
	sessions  *sessions.Manager
	artifacts *tools.Artifacts
	extractor *extract.Extractor
	convLog   agent.ConversationLogger
	svc       *agent.Service

	closers []func() error
}

// newApp opens storage and builds the agent stack from cfg.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, metrics: metrics.New()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.repo, err = store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	a.closers = append(a.closers, a.repo.Close)

	if err := a.repo.Ping(ctx); err != nil {
		return nil, fmt.Errorf("database health check: %w", err)
	}
	logger.Info("Database connected", "path", cfg.DBPath)

	a.contexts, err = openContexts(ctx, cfg, a.repo)
	if err != nil {
		return nil, err
	}
	if c, ok := a.contexts.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}
	logger.Info("Context store ready", "backend", cfg.Context.Backend)

	a.artifacts, err = tools.NewArtifacts(cfg.ArtifactDir, logger)
	if err != nil {
		return nil, err
	}
	searcher := tools.NewSearcher(tools.SearchConfig{
		SerpAPIKey:      cfg.Search.SerpAPIKey,
		Timeout:         cfg.Search.Timeout,
		TopK:            cfg.Search.TopK,
		KeywordFallback: cfg.Search.KeywordFallback,
	}, logger)
	registry, err := tools.NewDefaultRegistry(cfg.Loop.ToolTimeout, a.contexts, searcher, a.artifacts)
	if err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}

	model, err := llm.New(llm.Config{
		Provider:    cfg.Model.Provider,
		Model:       cfg.Model.Name,
		BaseURL:     cfg.Model.BaseURL,
		APIKey:      cfg.Model.APIKey(),
		Temperature: cfg.Model.Temperature,
		StepTimeout: cfg.Model.StepTimeout,
		MaxRetries:  cfg.Model.MaxRetries,
	}, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Model provider initialized", "provider", cfg.Model.Provider, "model", cfg.Model.Name)

	loop := agent.NewLoop(model, registry, agent.LoopConfig{
		MaxSteps:      cfg.Loop.MaxSteps,
		SearchCeiling: cfg.Loop.SearchCeiling,
		StepTimeout:   cfg.Model.StepTimeout,
	}, a.metrics, logger)

	a.sessions = sessions.NewManager(a.repo, a.contexts, cfg.SessionTTL, logger)

	a.convLog, err = agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize conversation logger: %w", err)
	}
	a.closers = append(a.closers, a.convLog.Close)

	a.svc = agent.NewService(a.sessions, loop, a.artifacts, a.convLog, cfg.Loop.TurnTimeout, logger)
	a.extractor = extract.New(cfg.TikaURL, cfg.Search.Timeout, logger)
	return a, nil
}

func openContexts(ctx context.Context, cfg *config.Config, repo *store.SQLiteStore) (contextstore.Provider, error) {
	switch cfg.Context.Backend {
	case "memory":
		return contextstore.NewMemory(cfg.Context.MaxSnapshots, cfg.Context.MaxSnapshotBytes, cfg.SessionTTL), nil
	case "redis":
		r, err := contextstore.NewRedis(ctx, cfg.Context.RedisAddr, cfg.Context.RedisPassword,
			cfg.Context.RedisDB, cfg.SessionTTL, cfg.Context.MaxSnapshotBytes)
		if err != nil {
			return nil, fmt.Errorf("open redis context store: %w", err)
		}
		return r, nil
	case "", "sqlite":
		return contextstore.NewDurable(repo, cfg.Context.MaxSnapshotBytes), nil
	default:
		return nil, fmt.Errorf("unknown context backend %q", cfg.Context.Backend)
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
