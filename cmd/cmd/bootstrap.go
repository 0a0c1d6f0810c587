package cmd

import (
	"fmt"

	"mnemos/internal/cache"
	"mnemos/internal/clustering"
	"mnemos/internal/config"
	"mnemos/internal/graph"
	"mnemos/internal/llm"
	"mnemos/internal/logger"
	"mnemos/internal/persistence"
	"mnemos/internal/pipeline"
	"mnemos/internal/store"
	"mnemos/internal/vectorindex"
)

// engine bundles everything a command needs, with a single cleanup hook.
type engine struct {
	config      *config.Config
	store       store.Store
	coordinator *pipeline.Coordinator
}

func (e *engine) close() {
	e.coordinator.Close()
	_ = e.store.Close()
}

// bootstrap loads configuration and assembles the full pipeline.
func bootstrap() (*engine, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.Init(cfg.App.LogLevel)

	s, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	client, err := llm.NewClient(cfg.Gemini)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to create llm client: %w", err)
	}
	gateway := llm.NewGateway(client, cfg.Embedding)

	var summarizer llm.Summarizer
	if cfg.Gemini.SummaryEnabled {
		summarizer = llm.NewSummarizer(client, cfg.Gemini.Timeout)
	}

	dims := int(cfg.Gemini.EmbeddingDimensions)
	index, err := vectorindex.New(s, dims, vectorindex.DefaultCacheSize)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	resultCache, err := cache.New(s, cache.Config{
		ClustersTTL:   cfg.Cache.ClustersTTL,
		TopicsTTL:     cfg.Cache.TopicsTTL,
		GraphTTL:      cfg.Cache.GraphTTL,
		TrajectoryTTL: cfg.Cache.TrajectoryTTL,
		HotEntries:    cfg.Cache.HotEntries,
	})
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	coordinator, err := pipeline.New(pipeline.Options{
		Store:      s,
		Embedder:   gateway,
		Summarizer: summarizer,
		Index:      index,
		Cache:      resultCache,
		Engine: clustering.NewEngine(clustering.Config{
			MinK:          cfg.Cluster.MinK,
			MaxK:          cfg.Cluster.MaxK,
			MaxIterations: cfg.Cluster.MaxIterations,
			Epsilon:       cfg.Cluster.Epsilon,
			MinMemories:   cfg.Cluster.MinMemories,
		}),
		Builder: graph.NewBuilder(graph.Config{
			SimilarThreshold: cfg.Graph.SimilarThreshold,
			RelatedThreshold: cfg.Graph.RelatedThreshold,
			OverlapThreshold: cfg.Graph.OverlapThreshold,
			MemoryDisplayCap: cfg.Graph.MemoryDisplayCap,
			MinKeywordCount:  cfg.Graph.MinKeywordCount,
		}),
		Embedding: cfg.Embedding,
	})
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	return &engine{config: cfg, store: s, coordinator: coordinator}, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	dims := int(cfg.Gemini.EmbeddingDimensions)
	switch cfg.Database.Driver {
	case "postgres":
		return persistence.NewPostgres(cfg.Database.DSN, dims)
	default:
		return store.NewSQLite(cfg.App.DataDir, dims)
	}
}
