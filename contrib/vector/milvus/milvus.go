package milvus

import (
	"context"
	"fmt"
	"strconv"

	"github.com/milvus-io/milvus/client/v2/column"
	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/milvusclient"

	"github.com/sweetpotato0/meddx/pkg/errors"
	"github.com/sweetpotato0/meddx/vector"
)

// Config describes the disease collection.
type Config struct {
	Address     string
	Username    string
	Password    string
	Database    string
	Collection  string
	Partition   string
	VectorField string
	IDField     string
	TextField   string
	// OutputFields other than ID and Text end up in Embedding.Metadata
	OutputFields []string
	NProbe       int
}

// DefaultConfig mirrors the layout of the medication knowledge base.
func DefaultConfig() *Config {
	return &Config{
		Address:      "localhost:19530",
		Collection:   "medication",
		Partition:    "knowledge_base",
		VectorField:  "symptom_vector",
		IDField:      "oid",
		TextField:    "desc",
		OutputFields: []string{"name", "symptom"},
		NProbe:       16,
	}
}

// Store is a read-only vector.Searcher over a Milvus collection.
type Store struct {
	client *milvusclient.Client
	cfg    *Config
}

// New connects to Milvus and loads the collection.
func New(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	c, err := milvusclient.New(ctx, &milvusclient.ClientConfig{
		Address:  cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DBName:   cfg.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to milvus: %w", err)
	}

	loadTask, err := c.LoadCollection(ctx, milvusclient.NewLoadCollectionOption(cfg.Collection))
	if err != nil {
		c.Close(ctx)
		return nil, fmt.Errorf("failed to load collection: %w", err)
	}
	if err := loadTask.Await(ctx); err != nil {
		c.Close(ctx)
		return nil, fmt.Errorf("failed to wait for collection loading: %w", err)
	}

	return &Store{client: c, cfg: cfg}, nil
}

// Search performs a vector similarity search on the configured field.
func (s *Store) Search(ctx context.Context, queryVector []float32, topK int) ([]*vector.Embedding, error) {
	if len(queryVector) == 0 {
		return nil, fmt.Errorf("query vector cannot be empty: %w", errors.ErrInvalidInput)
	}
	if topK <= 0 {
		topK = 10
	}

	opt := milvusclient.NewSearchOption(
		s.cfg.Collection,
		topK,
		[]entity.Vector{entity.FloatVector(queryVector)},
	).WithANNSField(s.cfg.VectorField).
		WithSearchParam("nprobe", strconv.Itoa(s.cfg.NProbe)).
		WithOutputFields(s.outputFields()...)
	if s.cfg.Partition != "" {
		opt = opt.WithPartitions(s.cfg.Partition)
	}

	results, err := s.client.Search(ctx, opt)
	if err != nil {
		return nil, fmt.Errorf("milvus search: %w", err)
	}
	if len(results) == 0 {
		return []*vector.Embedding{}, nil
	}

	return convertResultSet(results[0], s.cfg.IDField, s.cfg.TextField), nil
}

// Count returns the number of entities in the collection.
func (s *Store) Count(ctx context.Context) (int, error) {
	stats, err := s.client.GetCollectionStats(ctx, milvusclient.NewGetCollectionStatsOption(s.cfg.Collection))
	if err != nil {
		return 0, fmt.Errorf("failed to get collection stats: %w", err)
	}
	if val, ok := stats["row_count"]; ok {
		return strconv.Atoi(val)
	}
	return 0, nil
}

// Close closes the Milvus client connection.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func (s *Store) outputFields() []string {
	fields := []string{s.cfg.IDField, s.cfg.TextField}
	return append(fields, s.cfg.OutputFields...)
}

// convertResultSet maps one query's hits onto embeddings. The ID comes from
// idField when it is an output column, otherwise from the primary key column.
func convertResultSet(rs milvusclient.ResultSet, idField, textField string) []*vector.Embedding {
	out := make([]*vector.Embedding, 0, rs.ResultCount)
	for i := 0; i < rs.ResultCount; i++ {
		emb := &vector.Embedding{Metadata: make(map[string]string)}
		if i < len(rs.Scores) {
			emb.Score = rs.Scores[i]
		}
		if rs.IDs != nil {
			emb.ID = columnString(rs.IDs, i)
		}

		for _, field := range rs.Fields {
			val := columnString(field, i)
			switch field.Name() {
			case idField:
				emb.ID = val
			case textField:
				emb.Text = val
			default:
				emb.Metadata[field.Name()] = val
			}
		}
		out = append(out, emb)
	}
	return out
}

func columnString(col column.Column, i int) string {
	switch c := col.(type) {
	case *column.ColumnVarChar:
		if i < len(c.Data()) {
			return c.Data()[i]
		}
	case *column.ColumnInt64:
		if i < len(c.Data()) {
			return strconv.FormatInt(c.Data()[i], 10)
		}
	}
	return ""
}
