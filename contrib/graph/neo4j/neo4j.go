// Package neo4j provides a knowledge-graph retrieval source that matches
// normalized symptoms to diseases.
package neo4j

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/sweetpotato0/meddx/config"
	"github.com/sweetpotato0/meddx/pkg/logging"
	"github.com/sweetpotato0/meddx/rag/diagnosis"
)

// GraphScore is the fixed score of every graph hit.
const GraphScore float32 = 1.0

// Schema names the graph labels, relationships and properties.
type Schema struct {
	DiseaseLabel    string
	SymptomLabel    string
	HasSymptomRel   string
	NameProp        string
	DescProp        string
	CauseProp       string
	DepartmentLabel string
	DepartmentRel   string
	ComplicationRel string
}

// DefaultSchema matches the medical knowledge graph layout.
func DefaultSchema() Schema {
	return Schema{
		DiseaseLabel:    "疾病",
		SymptomLabel:    "疾病症状",
		HasSymptomRel:   "疾病的症状",
		NameProp:        "名称",
		DescProp:        "疾病简介",
		CauseProp:       "疾病病因",
		DepartmentLabel: "科目",
		DepartmentRel:   "疾病所属科目",
		ComplicationRel: "疾病并发疾病",
	}
}

// Detail is the clinical context attached to one disease node.
type Detail struct {
	Departments   []string
	Complications []string
}

// Config configures the Neo4j connection.
type Config struct {
	URI      string
	User     string
	Password string
	Database string
	Schema   Schema
	// Details appends treating departments and complications to every hit.
	Details bool
}

// DefaultConfig returns a local-development configuration.
func DefaultConfig() Config {
	return Config{
		URI:      "neo4j://localhost:7687",
		User:     "neo4j",
		Database: "neo4j",
		Schema:   DefaultSchema(),
	}
}

// runFunc executes a read query and returns records as maps.
type runFunc func(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error)

// GraphSource implements diagnosis.RetrievalSource over Neo4j.
type GraphSource struct {
	driver neo4j.DriverWithContext
	run    runFunc
	cypher string
	detail string
	enrich bool
	logger *slog.Logger
}

// New connects to Neo4j and verifies connectivity.
func New(ctx context.Context, cfg Config) (*GraphSource, error) {
	if err := config.ValidateNeo4jConfig(cfg.URI, cfg.User); err != nil {
		return nil, err
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	src, err := newGraphSource(cfg, executeWith(driver, cfg.Database))
	if err != nil {
		_ = driver.Close(ctx)
		return nil, err
	}
	src.driver = driver
	return src, nil
}

func newGraphSource(cfg Config, run runFunc) (*GraphSource, error) {
	cypher, err := BuildSymptomQuery(cfg.Schema)
	if err != nil {
		return nil, err
	}
	detail, err := BuildDetailQuery(cfg.Schema)
	if err != nil {
		return nil, err
	}
	return &GraphSource{
		run:    run,
		cypher: cypher,
		detail: detail,
		enrich: cfg.Details,
		logger: logging.WithComponent("graph_source"),
	}, nil
}

func executeWith(driver neo4j.DriverWithContext, database string) runFunc {
	return func(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
		opts := []neo4j.ExecuteQueryConfigurationOption{neo4j.ExecuteQueryWithReadersRouting()}
		if database != "" {
			opts = append(opts, neo4j.ExecuteQueryWithDatabase(database))
		}
		result, err := neo4j.ExecuteQuery(ctx, driver, cypher, params, neo4j.EagerResultTransformer, opts...)
		if err != nil {
			return nil, err
		}
		rows := make([]map[string]any, 0, len(result.Records))
		for _, record := range result.Records {
			rows = append(rows, record.AsMap())
		}
		return rows, nil
	}
}

// Close releases the driver.
func (g *GraphSource) Close(ctx context.Context) error {
	if g.driver == nil {
		return nil
	}
	return g.driver.Close(ctx)
}

// Tag implements diagnosis.RetrievalSource.
func (g *GraphSource) Tag() diagnosis.SourceTag { return diagnosis.SourceGraph }

// Search implements diagnosis.RetrievalSource. Only normalized symptoms are
// matched; a query without symptoms yields no evidence.
func (g *GraphSource) Search(ctx context.Context, q diagnosis.Query, topK int) ([]diagnosis.Evidence, error) {
	if len(q.Symptoms) == 0 {
		return nil, nil
	}
	if topK <= 0 {
		topK = 5
	}
	rows, err := g.run(ctx, g.cypher, map[string]any{
		"symptoms": q.Symptoms,
		"limit":    int64(topK),
	})
	if err != nil {
		return nil, fmt.Errorf("graph symptom query: %w", err)
	}
	out := make([]diagnosis.Evidence, 0, len(rows))
	for _, row := range rows {
		ev, ok := evidenceFromRow(row)
		if !ok {
			continue
		}
		if g.enrich {
			g.attachDetail(ctx, &ev)
		}
		out = append(out, ev)
	}
	return out, nil
}

// Details returns the departments treating a disease and its known
// complications. An unknown disease yields an empty Detail.
func (g *GraphSource) Details(ctx context.Context, name string) (Detail, error) {
	rows, err := g.run(ctx, g.detail, map[string]any{"name": name})
	if err != nil {
		return Detail{}, fmt.Errorf("graph detail query: %w", err)
	}
	var d Detail
	for _, row := range rows {
		d.Departments = append(d.Departments, asStrings(row["departments"])...)
		d.Complications = append(d.Complications, asStrings(row["complications"])...)
	}
	return d, nil
}

// attachDetail appends departments and complications to the description.
// Lookup failures leave the hit as matched.
func (g *GraphSource) attachDetail(ctx context.Context, ev *diagnosis.Evidence) {
	d, err := g.Details(ctx, ev.Name)
	if err != nil {
		g.logger.Warn("disease detail lookup failed", "disease", ev.Name, "error", err)
		return
	}
	ev.Description = appendField(ev.Description, "治疗科室", strings.Join(d.Departments, " "))
	ev.Description = appendField(ev.Description, "并发症", strings.Join(d.Complications, " "))
}

func appendField(desc, label, value string) string {
	if value == "" {
		return desc
	}
	if desc != "" {
		desc += "；"
	}
	return desc + label + "：" + value
}

// BuildSymptomQuery renders the symptom-match query for schema, quoting
// every identifier.
func BuildSymptomQuery(s Schema) (string, error) {
	parts := []string{s.DiseaseLabel, s.SymptomLabel, s.HasSymptomRel, s.NameProp, s.DescProp, s.CauseProp}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return "", fmt.Errorf("graph schema identifiers cannot be empty")
		}
	}
	q := quoteIdent
	return fmt.Sprintf(`MATCH (d:%s)-[:%s]->(s:%s)
WHERE s.%s IN $symptoms
WITH d, COUNT(s) AS match_count, COLLECT(s.%s) AS matched
RETURN d.%s AS name, d.%s AS desc, d.%s AS cause, matched AS symptom, match_count
ORDER BY match_count DESC, name ASC
LIMIT $limit`,
		q(s.DiseaseLabel), q(s.HasSymptomRel), q(s.SymptomLabel),
		q(s.NameProp), q(s.NameProp),
		q(s.NameProp), q(s.DescProp), q(s.CauseProp),
	), nil
}

// BuildDetailQuery renders the department and complication lookup for one
// disease named by $name.
func BuildDetailQuery(s Schema) (string, error) {
	parts := []string{s.DiseaseLabel, s.NameProp, s.DepartmentLabel, s.DepartmentRel, s.ComplicationRel}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return "", fmt.Errorf("graph schema identifiers cannot be empty")
		}
	}
	q := quoteIdent
	return fmt.Sprintf(`MATCH (d:%s {%s: $name})
OPTIONAL MATCH (d)-[:%s]->(dept:%s)
WITH d, COLLECT(DISTINCT dept.%s) AS departments
OPTIONAL MATCH (d)-[:%s]->(comp:%s)
RETURN departments, COLLECT(DISTINCT comp.%s) AS complications`,
		q(s.DiseaseLabel), q(s.NameProp),
		q(s.DepartmentRel), q(s.DepartmentLabel), q(s.NameProp),
		q(s.ComplicationRel), q(s.DiseaseLabel), q(s.NameProp),
	), nil
}

func quoteIdent(id string) string { return "`" + strings.ReplaceAll(id, "`", "``") + "`" }

func evidenceFromRow(row map[string]any) (diagnosis.Evidence, bool) {
	name := asString(row["name"])
	if name == "" {
		return diagnosis.Evidence{}, false
	}
	desc := appendField(asString(row["desc"]), "病因", asString(row["cause"]))
	return diagnosis.Evidence{
		ID:          "graph:" + name,
		Name:        name,
		Description: desc,
		Symptoms:    strings.Join(asStrings(row["symptom"]), ","),
		Score:       GraphScore,
		Source:      diagnosis.SourceGraph,
	}, true
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func asStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s := asString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	default:
		return nil
	}
}
