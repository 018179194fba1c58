package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	openaisdk "github.com/openai/openai-go/v3"

	"github.com/sweetpotato0/meddx/agent"
	"github.com/sweetpotato0/meddx/contrib/cache/redis"
	embedder "github.com/sweetpotato0/meddx/contrib/embedder/openai"
	"github.com/sweetpotato0/meddx/contrib/graph/neo4j"
	"github.com/sweetpotato0/meddx/contrib/provider"
	"github.com/sweetpotato0/meddx/contrib/reranker/cohere"
	"github.com/sweetpotato0/meddx/contrib/source"
	"github.com/sweetpotato0/meddx/contrib/tokenizer/tiktoken"
	"github.com/sweetpotato0/meddx/contrib/vector/inmemory"
	"github.com/sweetpotato0/meddx/contrib/vector/milvus"
	"github.com/sweetpotato0/meddx/contrib/vector/pg"
	"github.com/sweetpotato0/meddx/contrib/websearch/bocha"
	"github.com/sweetpotato0/meddx/pkg/logging"
	"github.com/sweetpotato0/meddx/rag/diagnosis"
	"github.com/sweetpotato0/meddx/vector"
)

// app holds the wired pipeline and everything that must be closed with it.
type app struct {
	pipeline *diagnosis.Pipeline
	closers  []func(context.Context) error
	logger   *slog.Logger
}

func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// buildApp connects every configured backend and assembles the pipeline.
func buildApp(ctx context.Context, cfg *Config) (_ *app, err error) {
	a := &app{logger: logging.WithComponent("meddx")}
	defer func() {
		if err != nil {
			_ = a.Close(ctx)
		}
	}()

	clients, err := buildClients(ctx, cfg.LLM)
	if err != nil {
		return nil, err
	}

	emb := buildEmbedder(cfg, a)
	searcher, err := buildSearcher(ctx, cfg, emb, a)
	if err != nil {
		return nil, err
	}
	vectorSrc, err := source.NewVectorSource(emb, searcher, source.WithMinScore(float32(cfg.Vector.MinScore)))
	if err != nil {
		return nil, err
	}

	var primary diagnosis.RetrievalSource = vectorSrc
	if cfg.Pipeline.HyDE {
		hydeLLM, err := roleClient(ctx, cfg.LLM.HyDE, cfg.LLM.Default, clients.Default)
		if err != nil {
			return nil, err
		}
		if primary, err = source.NewHyDESource(primary, hydeLLM, source.WithDocumentTimeout(cfg.Pipeline.CallTimeout)); err != nil {
			return nil, err
		}
	}
	if cfg.Pipeline.FusionQuestions > 0 {
		fusionLLM, err := roleClient(ctx, cfg.LLM.Fusion, cfg.LLM.Default, clients.Default)
		if err != nil {
			return nil, err
		}
		if primary, err = source.NewFusionSource(primary, fusionLLM, source.WithQuestions(cfg.Pipeline.FusionQuestions)); err != nil {
			return nil, err
		}
	}
	if cfg.Graph.Enabled {
		graphSrc, err := neo4j.New(ctx, neo4j.Config{
			URI:      cfg.Graph.URI,
			User:     cfg.Graph.User,
			Password: cfg.Graph.Password,
			Database: cfg.Graph.Database,
			Schema:   neo4j.DefaultSchema(),
			Details:  cfg.Graph.Details,
		})
		if err != nil {
			return nil, err
		}
		a.onClose(graphSrc.Close)
		if primary, err = source.NewMultiSource(diagnosis.SourceVector, primary, graphSrc); err != nil {
			return nil, err
		}
	}
	if primary, err = decoratePrimary(ctx, cfg, clients, primary); err != nil {
		return nil, err
	}

	sources := diagnosis.Sources{Primary: primary}
	if cfg.Web.Enabled {
		web, err := bocha.New(&bocha.Config{
			APIKey:      cfg.Web.APIKey,
			BaseURL:     cfg.Web.BaseURL,
			QueryPrefix: cfg.Web.QueryPrefix,
			Summary:     true,
			Timeout:     cfg.Web.Timeout,
		}, nil)
		if err != nil {
			return nil, err
		}
		sources.Secondary = web
	}

	opts, err := pipelineOptions(cfg.Pipeline)
	if err != nil {
		return nil, err
	}
	if !cfg.Pipeline.Normalize {
		clients.Normalizer = nil
	}
	if a.pipeline, err = diagnosis.NewPipeline(clients, sources, opts...); err != nil {
		return nil, err
	}
	return a, nil
}

// decoratePrimary applies the post-retrieval stages: reranking, then
// relevance filtering.
func decoratePrimary(ctx context.Context, cfg *Config, clients diagnosis.Clients, primary diagnosis.RetrievalSource) (diagnosis.RetrievalSource, error) {
	if cfg.Rerank.Enabled {
		rr, err := cohere.New(cfg.Rerank.APIKey,
			cohere.WithBaseURL(cfg.Rerank.BaseURL),
			cohere.WithModel(cfg.Rerank.Model),
			cohere.WithTopN(cfg.Rerank.TopN),
			cohere.WithHTTPClient(&http.Client{Timeout: cfg.Rerank.Timeout}),
		)
		if err != nil {
			return nil, err
		}
		if primary, err = source.NewRerankSource(primary, rr, source.WithOverfetch(cfg.Rerank.Overfetch)); err != nil {
			return nil, err
		}
	}
	if cfg.Pipeline.Compress {
		compressLLM, err := roleClient(ctx, cfg.LLM.Compress, cfg.LLM.Default, clients.Default)
		if err != nil {
			return nil, err
		}
		if primary, err = source.NewCompressSource(primary, compressLLM, source.WithFilterTimeout(cfg.Pipeline.CallTimeout)); err != nil {
			return nil, err
		}
	}
	return primary, nil
}

func pipelineOptions(cfg PipelineConfig) ([]diagnosis.Option, error) {
	opts := []diagnosis.Option{
		diagnosis.WithMaxAttempts(cfg.MaxAttempts),
		diagnosis.WithTopK(cfg.TopK),
		diagnosis.WithSecondaryTopK(cfg.SecondaryTopK),
		diagnosis.WithCallTimeout(cfg.CallTimeout),
		diagnosis.WithRoutePreset(diagnosis.RoutePreset(cfg.Route)),
		diagnosis.WithEvidenceTokenLimit(cfg.EvidenceTokenLimit),
	}
	if cfg.Tokenizer != "" {
		tok, err := tiktoken.NewTiktokenTokenizer(cfg.Tokenizer)
		if err != nil {
			return nil, fmt.Errorf("load tokenizer %q: %w", cfg.Tokenizer, err)
		}
		opts = append(opts, diagnosis.WithTokenizer(tok))
	}
	if cfg.Constraints != "" {
		list, err := diagnosis.LoadConstraintList(cfg.Constraints)
		if err != nil {
			return nil, err
		}
		opts = append(opts, diagnosis.WithConstraints(list))
	}
	return opts, nil
}

func buildClients(ctx context.Context, cfg LLMConfig) (diagnosis.Clients, error) {
	def, err := provider.New(ctx, cfg.Default)
	if err != nil {
		return diagnosis.Clients{}, fmt.Errorf("default llm: %w", err)
	}
	clients := diagnosis.Clients{Default: def}
	roles := []struct {
		name string
		spec provider.Spec
		dst  *agent.LLMClient
	}{
		{"judge", cfg.Judge, &clients.Judge},
		{"doctor", cfg.Doctor, &clients.Doctor},
		{"reviewer", cfg.Reviewer, &clients.Reviewer},
		{"fallback", cfg.Fallback, &clients.Fallback},
		{"normalizer", cfg.Normalizer, &clients.Normalizer},
	}
	for _, role := range roles {
		client, err := roleClient(ctx, role.spec, cfg.Default, nil)
		if err != nil {
			return diagnosis.Clients{}, fmt.Errorf("%s llm: %w", role.name, err)
		}
		*role.dst = client
	}
	if clients.Normalizer == nil {
		clients.Normalizer = def
	}
	return clients, nil
}

// roleClient builds a role-specific client, inheriting unset connection
// fields from def. A zero spec returns fallback.
func roleClient(ctx context.Context, spec, def provider.Spec, fallback agent.LLMClient) (agent.LLMClient, error) {
	if spec.IsZero() {
		return fallback, nil
	}
	return provider.New(ctx, mergeSpec(spec, def))
}

func mergeSpec(spec, def provider.Spec) provider.Spec {
	if spec.Kind == "" {
		spec.Kind = def.Kind
	}
	if spec.APIKey == "" && spec.Kind == def.Kind {
		spec.APIKey = def.APIKey
	}
	if spec.BaseURL == "" && spec.Kind == def.Kind {
		spec.BaseURL = def.BaseURL
	}
	if spec.Model == "" {
		spec.Model = def.Model
	}
	return spec
}

func buildEmbedder(cfg *Config, a *app) vector.Embedder {
	var emb vector.Embedder = embedder.New(cfg.Embedding.APIKey, cfg.Embedding.BaseURL,
		openaisdk.EmbeddingModel(cfg.Embedding.Model), cfg.Embedding.Dimension)
	if !cfg.Cache.Enabled {
		return emb
	}
	cached := redis.New(emb, cfg.Embedding.Model, &redis.Config{
		Addr:     cfg.Cache.Addr,
		Password: cfg.Cache.Password,
		DB:       cfg.Cache.DB,
		Prefix:   cfg.Cache.Prefix,
		TTL:      cfg.Cache.TTL,
	})
	a.onClose(func(context.Context) error { return cached.Close() })
	return cached
}

func buildSearcher(ctx context.Context, cfg *Config, emb vector.Embedder, a *app) (vector.Searcher, error) {
	switch cfg.Vector.Backend {
	case BackendPG:
		store, err := openPG(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return store.Close() })
		return store, nil
	case BackendMilvus:
		mcfg := milvus.DefaultConfig()
		mcfg.Address = cfg.Vector.Milvus.Address
		mcfg.Username = cfg.Vector.Milvus.Username
		mcfg.Password = cfg.Vector.Milvus.Password
		mcfg.Database = cfg.Vector.Milvus.Database
		mcfg.Collection = cfg.Vector.Milvus.Collection
		mcfg.Partition = cfg.Vector.Milvus.Partition
		mcfg.VectorField = cfg.Vector.Milvus.VectorField
		mcfg.NProbe = cfg.Vector.Milvus.NProbe
		store, err := milvus.New(ctx, mcfg)
		if err != nil {
			return nil, err
		}
		a.onClose(store.Close)
		return store, nil
	default:
		store := inmemory.NewInMemoryVectorStore()
		n, err := seedKnowledge(ctx, cfg.Vector.Knowledge, emb, store)
		if err != nil {
			return nil, err
		}
		a.logger.Info("in-memory knowledge base loaded", "path", cfg.Vector.Knowledge, "diseases", n)
		return store, nil
	}
}

func openPG(ctx context.Context, cfg *Config) (*pg.PGVectorStore, error) {
	return pg.NewPGVectorStore(ctx, &pg.PGVectorConfig{
		Host:      cfg.Vector.PG.Host,
		Port:      cfg.Vector.PG.Port,
		User:      cfg.Vector.PG.User,
		Password:  cfg.Vector.PG.Password,
		DBName:    cfg.Vector.PG.DBName,
		SSLMode:   cfg.Vector.PG.SSLMode,
		Dimension: cfg.Embedding.Dimension,
		TableName: cfg.Vector.PG.Table,
	})
}

func seedKnowledge(ctx context.Context, path string, emb vector.Embedder, store source.Indexer) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open knowledge base: %w", err)
	}
	defer f.Close()
	records, err := source.ReadDiseaseRecords(f)
	if err != nil {
		return 0, fmt.Errorf("parse knowledge base %s: %w", path, err)
	}
	return source.IndexDiseases(ctx, emb, store, records, 32)
}
