package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgallion1/docdraft/internal/agent"
	"github.com/dgallion1/docdraft/internal/assembly"
	"github.com/dgallion1/docdraft/internal/callstats"
	"github.com/dgallion1/docdraft/internal/chunker"
	"github.com/dgallion1/docdraft/internal/config"
	"github.com/dgallion1/docdraft/internal/embedding"
	"github.com/dgallion1/docdraft/internal/extract"
	"github.com/dgallion1/docdraft/internal/objectstore"
	"github.com/dgallion1/docdraft/internal/orchestrator"
	"github.com/dgallion1/docdraft/internal/parser"
	"github.com/dgallion1/docdraft/internal/pipeline"
	"github.com/dgallion1/docdraft/internal/retrieval"
	"github.com/dgallion1/docdraft/internal/state"
	"github.com/dgallion1/docdraft/internal/status"
	"github.com/dgallion1/docdraft/internal/store"
)

// app holds the wired components shared by every command.
type app struct {
	store      *store.Store
	objects    objectstore.Store
	broker     *status.Broker
	pipeline   *pipeline.Pipeline
	librarian  *retrieval.Librarian
	claude     *extract.ClaudeClient
	fields     *extract.Dispatcher
	assembly   *assembly.Service
	orch       *orchestrator.Orchestrator
	agentStats *callstats.Set

	closers []func()
}

func newApp(ctx context.Context, cfg config.Config, log *slog.Logger) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, func() { st.Close() })

	if cfg.ObjectStoreURL != "" {
		client := objectstore.NewClient(cfg.ObjectStoreURL, cfg.ObjectStoreAPIKey)
		a.objects = client
		a.closers = append(a.closers, client.Close)
	} else {
		fsStore, err := objectstore.NewFSStore(cfg.ObjectStoreDir)
		if err != nil {
			return nil, err
		}
		a.objects = fsStore
	}

	embedder, err := embedding.NewOpenAI(ctx, embedding.OpenAIConfig{
		APIKey:  cfg.EmbeddingAPIKey,
		BaseURL: cfg.EmbeddingBaseURL,
		Model:   cfg.EmbeddingModel,
	})
	if err != nil {
		return nil, err
	}
	embeddings := embedding.NewService(embedder, embedding.Config{
		MaxChars:          cfg.EmbeddingMaxChars,
		BatchSize:         cfg.EmbeddingBatchSize,
		RequestsPerSecond: cfg.EmbeddingRPS,
		Burst:             2,
	}, log)

	extractor := parser.NewService()
	extractor.SetPDFFallback(cfg.PDFFallbackPdftotext)

	a.broker = status.NewBroker()
	a.closers = append(a.closers, a.broker.Shutdown)
	recorder := status.NewRecorder(st, a.broker, log)

	var fields pipeline.FieldDispatcher
	if cfg.AnthropicAPIKey != "" {
		a.claude = extract.NewClaudeClient(cfg.AnthropicAPIKey, cfg.AnthropicModel, cfg.AnthropicBaseURL)
		a.fields = extract.NewDispatcher(a.claude, st, cfg.FieldExtractTimeout, cfg.FieldExtractConcurrency, log)
		fields = a.fields
		// Background extractions finish before the client and store close.
		a.closers = append(a.closers, a.claude.Close, a.fields.Wait)
	} else {
		log.Info("ANTHROPIC_API_KEY not set; field extraction disabled")
	}

	a.pipeline = pipeline.New(pipeline.Config{
		PageBatchLimit: cfg.PageBatchLimit,
		ExtractWorkers: cfg.ExtractWorkers,
		Chunking: chunker.Config{
			ChunkSize:    cfg.ChunkSize,
			ChunkOverlap: cfg.ChunkOverlap,
			MinChunk:     cfg.MinChunkSize,
			Separators:   chunker.DefaultSeparators,
		},
	}, extractor, embeddings, st, a.objects, recorder, fields, log)

	a.librarian = retrieval.NewLibrarian(embeddings, st, log)

	a.agentStats = callstats.NewSet(time.Hour)
	agents := make(map[string]*agent.HTTPAgent, len(cfg.Agents))
	for name, ep := range cfg.Agents {
		if ep.URL == "" {
			continue
		}
		h := agent.NewHTTPAgent(name, ep.URL, ep.Token, ep.Timeout)
		h.Stats = a.agentStats.For(name)
		agents[name] = h
		a.closers = append(a.closers, h.Close)
	}

	if assembler, found := agents[config.AgentAssembly]; found {
		var cache assembly.Cache
		if cfg.RedisAddr != "" {
			rc, err := assembly.NewRedisCache(ctx, assembly.RedisConfig{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
				TTL:      cfg.AssemblyCacheTTL,
			})
			if err != nil {
				return nil, err
			}
			cache = rc
			a.closers = append(a.closers, func() { rc.Close() })
		}
		a.assembly = assembly.NewService(assembler, cache, st, log)
	}

	if err := cfg.ValidateAgents(); err != nil {
		log.Warn("multi-agent runs disabled", "error", err)
	} else {
		handlers := map[state.Stage]agent.Agent{
			state.StageIngestion: orchestrator.IngestionAgent(a.pipeline),
			state.StageRetrieval: orchestrator.RetrievalAgent(a.librarian),
			state.StageDrafting:  agents[config.AgentDrafting],
			state.StageCritique:  agents[config.AgentCritique],
			state.StageAssembly:  a.assembly.Agent(),
		}
		if citation, found := agents[config.AgentCitation]; found {
			handlers[state.StageCitation] = citation
		}
		a.orch, err = orchestrator.New(handlers, orchestrator.Config{MaxRedraftAttempts: cfg.MaxRedraftAttempts}, log)
		if err != nil {
			return nil, fmt.Errorf("building orchestrator: %w", err)
		}
	}

	ok = true
	return a, nil
}

// Close releases components in reverse order of construction.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
