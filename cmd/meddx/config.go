package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/sweetpotato0/meddx/config"
	"github.com/sweetpotato0/meddx/contrib/provider"
	"github.com/sweetpotato0/meddx/rag/diagnosis"
)

const envPrefix = "MEDDX_"

// Vector backends.
const (
	BackendInMemory = "inmemory"
	BackendPG       = "pg"
	BackendMilvus   = "milvus"
)

// Config is the CLI configuration.
type Config struct {
	LLM       LLMConfig       `koanf:"llm"`
	Embedding EmbeddingConfig `koanf:"embedding"`
	Cache     CacheConfig     `koanf:"cache"`
	Vector    VectorConfig    `koanf:"vector"`
	Graph     GraphConfig     `koanf:"graph"`
	Web       WebConfig       `koanf:"web"`
	Rerank    RerankConfig    `koanf:"rerank"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Runner    RunnerConfig    `koanf:"runner"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// LLMConfig names the default endpoint and optional per-role overrides.
type LLMConfig struct {
	Default    provider.Spec `koanf:"default"`
	Judge      provider.Spec `koanf:"judge"`
	Doctor     provider.Spec `koanf:"doctor"`
	Reviewer   provider.Spec `koanf:"reviewer"`
	Fallback   provider.Spec `koanf:"fallback"`
	Normalizer provider.Spec `koanf:"normalizer"`
	Fusion     provider.Spec `koanf:"fusion"`
	HyDE       provider.Spec `koanf:"hyde"`
	Compress   provider.Spec `koanf:"compress"`
}

type EmbeddingConfig struct {
	APIKey    string `koanf:"api_key"`
	BaseURL   string `koanf:"base_url"`
	Model     string `koanf:"model"`
	Dimension int    `koanf:"dimension"`
}

type CacheConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Addr     string        `koanf:"addr"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	Prefix   string        `koanf:"prefix"`
	TTL      time.Duration `koanf:"ttl"`
}

type VectorConfig struct {
	Backend   string       `koanf:"backend"`
	Knowledge string       `koanf:"knowledge"` // JSONL seed for the inmemory backend
	MinScore  float64      `koanf:"min_score"`
	PG        PGConfig     `koanf:"pg"`
	Milvus    MilvusConfig `koanf:"milvus"`
}

type PGConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	DBName   string `koanf:"dbname"`
	SSLMode  string `koanf:"sslmode"`
	Table    string `koanf:"table"`
}

type MilvusConfig struct {
	Address     string `koanf:"address"`
	Username    string `koanf:"username"`
	Password    string `koanf:"password"`
	Database    string `koanf:"database"`
	Collection  string `koanf:"collection"`
	Partition   string `koanf:"partition"`
	VectorField string `koanf:"vector_field"`
	NProbe      int    `koanf:"nprobe"`
}

type GraphConfig struct {
	Enabled  bool   `koanf:"enabled"`
	URI      string `koanf:"uri"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	Database string `koanf:"database"`
	Details  bool   `koanf:"details"` // attach departments and complications
}

type WebConfig struct {
	Enabled     bool          `koanf:"enabled"`
	APIKey      string        `koanf:"api_key"`
	BaseURL     string        `koanf:"base_url"`
	QueryPrefix string        `koanf:"query_prefix"`
	Timeout     time.Duration `koanf:"timeout"`
}

// RerankConfig points at a Cohere-compatible /v1/rerank endpoint.
type RerankConfig struct {
	Enabled   bool          `koanf:"enabled"`
	APIKey    string        `koanf:"api_key"`
	BaseURL   string        `koanf:"base_url"`
	Model     string        `koanf:"model"`
	TopN      int           `koanf:"top_n"`
	Overfetch int           `koanf:"overfetch"`
	Timeout   time.Duration `koanf:"timeout"`
}

type PipelineConfig struct {
	MaxAttempts        int           `koanf:"max_attempts"`
	TopK               int           `koanf:"top_k"`
	SecondaryTopK      int           `koanf:"secondary_top_k"`
	CallTimeout        time.Duration `koanf:"call_timeout"`
	Route              string        `koanf:"route"`
	Constraints        string        `koanf:"constraints"` // path to the candidate disease list
	EvidenceTokenLimit int           `koanf:"evidence_token_limit"`
	Tokenizer          string        `koanf:"tokenizer"` // tiktoken model or encoding; empty counts runes
	Normalize          bool          `koanf:"normalize"`
	FusionQuestions    int           `koanf:"fusion_questions"` // 0 disables query expansion
	HyDE               bool          `koanf:"hyde"`             // search with a generated disease document
	Compress           bool          `koanf:"compress"`         // filter primary hits for relevance
}

type RunnerConfig struct {
	Workers int `koanf:"workers"`
}

type TelemetryConfig struct {
	Disable     bool   `koanf:"disable"`
	Endpoint    string `koanf:"endpoint"`
	Environment string `koanf:"environment"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Default: provider.Spec{Kind: provider.KindOpenAI, Model: "deepseek-chat"},
		},
		Embedding: EmbeddingConfig{
			BaseURL:   "https://api.siliconflow.cn/v1",
			Model:     "BAAI/bge-m3",
			Dimension: 1024,
		},
		Cache: CacheConfig{
			Addr:   "localhost:6379",
			Prefix: "meddx:emb:",
			TTL:    24 * time.Hour,
		},
		Vector: VectorConfig{
			Backend: BackendInMemory,
			PG: PGConfig{
				Host:    "127.0.0.1",
				Port:    5432,
				User:    "postgres",
				DBName:  "meddx",
				SSLMode: "disable",
				Table:   "diseases",
			},
			Milvus: MilvusConfig{
				Address:     "localhost:19530",
				Collection:  "medication",
				Partition:   "knowledge_base",
				VectorField: "symptom_vector",
				NProbe:      16,
			},
		},
		Graph: GraphConfig{
			URI:      "neo4j://localhost:7687",
			User:     "neo4j",
			Database: "neo4j",
		},
		Web: WebConfig{
			BaseURL:     "https://api.bochaai.com",
			QueryPrefix: "医疗 医学",
			Timeout:     30 * time.Second,
		},
		Rerank: RerankConfig{
			BaseURL:   "https://api.siliconflow.cn",
			Model:     "Qwen/Qwen3-Reranker-8B",
			Overfetch: 3,
			Timeout:   15 * time.Second,
		},
		Pipeline: PipelineConfig{
			MaxAttempts:        3,
			TopK:               5,
			SecondaryTopK:      5,
			CallTimeout:        60 * time.Second,
			Route:              string(diagnosis.RoutePresetCorrective),
			EvidenceTokenLimit: 2000,
		},
		Runner: RunnerConfig{Workers: 4},
	}
}

// Load reads configuration from the given YAML file, then overlays
// environment variable overrides. Nested keys use a double underscore:
// MEDDX_LLM__DEFAULT__API_KEY sets llm.default.api_key.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("accessing config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	return cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate checks that the configuration contains valid values.
func (c *Config) Validate() error {
	v := config.NewValidator().
		RequireNonEmpty("llm.default.model", c.LLM.Default.Model).
		ValidateOneOf("vector.backend", c.Vector.Backend, BackendInMemory, BackendPG, BackendMilvus).
		ValidateOneOf("pipeline.route", c.Pipeline.Route,
			string(diagnosis.RoutePresetCorrective), string(diagnosis.RoutePresetVanilla), string(diagnosis.RoutePresetAugmented)).
		RequirePositive("pipeline.max_attempts", c.Pipeline.MaxAttempts).
		RequirePositive("pipeline.top_k", c.Pipeline.TopK).
		RequirePositive("pipeline.secondary_top_k", c.Pipeline.SecondaryTopK).
		RequirePositiveDuration("pipeline.call_timeout", c.Pipeline.CallTimeout).
		RequireNonNegative("pipeline.evidence_token_limit", c.Pipeline.EvidenceTokenLimit).
		RequireNonNegative("pipeline.fusion_questions", c.Pipeline.FusionQuestions).
		RequirePositive("runner.workers", c.Runner.Workers).
		RequirePositive("embedding.dimension", c.Embedding.Dimension).
		ValidateFloatRange("vector.min_score", c.Vector.MinScore, -1, 1)

	if c.Vector.Backend == BackendInMemory {
		v.RequireNonEmpty("vector.knowledge", c.Vector.Knowledge)
	}
	if c.Vector.Backend == BackendPG {
		if err := config.ValidatePGVectorConfig(c.Vector.PG.Host, c.Vector.PG.Port, c.Vector.PG.User,
			c.Vector.PG.DBName, c.Vector.PG.SSLMode, c.Embedding.Dimension, c.Vector.PG.Table); err != nil {
			v.Check(false, "vector.pg", err.Error())
		}
	}
	if c.Vector.Backend == BackendMilvus {
		if err := config.ValidateMilvusConfig(c.Vector.Milvus.Address, c.Vector.Milvus.Collection,
			c.Vector.Milvus.VectorField, c.Embedding.Dimension); err != nil {
			v.Check(false, "vector.milvus", err.Error())
		}
	}
	if c.Graph.Enabled {
		if err := config.ValidateNeo4jConfig(c.Graph.URI, c.Graph.User); err != nil {
			v.Check(false, "graph", err.Error())
		}
	}
	if c.Web.Enabled {
		v.RequireNonEmpty("web.api_key", c.Web.APIKey)
	}
	if c.Rerank.Enabled {
		v.RequireNonEmpty("rerank.api_key", c.Rerank.APIKey).
			RequirePositive("rerank.overfetch", c.Rerank.Overfetch).
			RequireNonNegative("rerank.top_n", c.Rerank.TopN)
	}
	if c.Cache.Enabled {
		if err := config.ValidateRedisConfig(c.Cache.Addr, c.Cache.DB, c.Cache.Prefix); err != nil {
			v.Check(false, "cache", err.Error())
		}
	}
	return v.Error()
}
