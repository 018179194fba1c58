package neo4j

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sweetpotato0/meddx/rag/diagnosis"
)

func TestBuildSymptomQuery(t *testing.T) {
	cypher, err := BuildSymptomQuery(DefaultSchema())
	if err != nil {
		t.Fatalf("BuildSymptomQuery: %v", err)
	}
	for _, want := range []string{
		"MATCH (d:`疾病`)-[:`疾病的症状`]->(s:`疾病症状`)",
		"WHERE s.`名称` IN $symptoms",
		"ORDER BY match_count DESC",
		"LIMIT $limit",
	} {
		if !strings.Contains(cypher, want) {
			t.Fatalf("query missing %q:\n%s", want, cypher)
		}
	}

	bad := DefaultSchema()
	bad.DiseaseLabel = "x`) DETACH DELETE d //"
	cypher, err = BuildSymptomQuery(bad)
	if err != nil || !strings.Contains(cypher, "`x``) DETACH DELETE d //`") {
		t.Fatalf("identifiers must be quoted: %v\n%s", err, cypher)
	}
	bad.NameProp = " "
	if _, err := BuildSymptomQuery(bad); err == nil {
		t.Fatalf("expected error for empty identifier")
	}
}

func TestGraphSourceSearch(t *testing.T) {
	var gotParams map[string]any
	run := func(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
		gotParams = params
		return []map[string]any{
			{"name": "百日咳", "desc": "呼吸道传染病", "cause": "百日咳杆菌", "symptom": []any{"痉挛性咳嗽", "吸气时有蝉鸣音"}, "match_count": int64(2)},
			{"name": "", "desc": "skipped"},
			{"name": "支气管炎", "desc": nil, "symptom": []any{"痉挛性咳嗽"}},
		}, nil
	}
	src, err := newGraphSource(DefaultConfig(), run)
	if err != nil {
		t.Fatalf("newGraphSource: %v", err)
	}
	hits, err := src.Search(context.Background(), diagnosis.NewQuery("咳嗽", "痉挛性咳嗽", "吸气时有蝉鸣音"), 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %+v", hits)
	}
	first := hits[0]
	if first.ID != "graph:百日咳" || first.Score != GraphScore || first.Source != diagnosis.SourceGraph {
		t.Fatalf("unexpected hit %+v", first)
	}
	if first.Description != "呼吸道传染病；病因：百日咳杆菌" || first.Symptoms != "痉挛性咳嗽,吸气时有蝉鸣音" {
		t.Fatalf("unexpected mapping %+v", first)
	}
	if hits[1].Description != "" {
		t.Fatalf("nil desc must map to empty, got %q", hits[1].Description)
	}
	if gotParams["limit"] != int64(3) {
		t.Fatalf("limit param = %v", gotParams["limit"])
	}
	if syms, ok := gotParams["symptoms"].([]string); !ok || len(syms) != 2 {
		t.Fatalf("symptoms param = %v", gotParams["symptoms"])
	}
}

func TestGraphSourceNeedsSymptoms(t *testing.T) {
	called := false
	src, _ := newGraphSource(DefaultConfig(), func(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
		called = true
		return nil, nil
	})
	hits, err := src.Search(context.Background(), diagnosis.NewQuery("咳嗽"), 5)
	if err != nil || hits != nil || called {
		t.Fatalf("query without symptoms must not hit the graph")
	}
}

func TestGraphSourceError(t *testing.T) {
	src, _ := newGraphSource(DefaultConfig(), func(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
		return nil, errors.New("connection refused")
	})
	if _, err := src.Search(context.Background(), diagnosis.NewQuery("x", "咳嗽"), 5); err == nil {
		t.Fatalf("expected error")
	}
	if err := src.Close(context.Background()); err != nil {
		t.Fatalf("Close without driver: %v", err)
	}
}

func TestBuildDetailQuery(t *testing.T) {
	cypher, err := BuildDetailQuery(DefaultSchema())
	if err != nil {
		t.Fatalf("BuildDetailQuery: %v", err)
	}
	for _, want := range []string{
		"MATCH (d:`疾病` {`名称`: $name})",
		"-[:`疾病所属科目`]->(dept:`科目`)",
		"-[:`疾病并发疾病`]->(comp:`疾病`)",
	} {
		if !strings.Contains(cypher, want) {
			t.Fatalf("query missing %q:\n%s", want, cypher)
		}
	}
	bad := DefaultSchema()
	bad.ComplicationRel = ""
	if _, err := BuildDetailQuery(bad); err == nil {
		t.Fatalf("expected error for empty identifier")
	}
}

func TestGraphSourceAttachesDetails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Details = true
	var looked []string
	run := func(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
		if name, ok := params["name"].(string); ok {
			looked = append(looked, name)
			if name == "支气管炎" {
				return nil, errors.New("timeout")
			}
			return []map[string]any{{"departments": []any{"儿科", "呼吸内科"}, "complications": []any{"肺炎"}}}, nil
		}
		return []map[string]any{
			{"name": "百日咳", "desc": "呼吸道传染病", "cause": "百日咳杆菌"},
			{"name": "支气管炎", "desc": "支气管炎症"},
		}, nil
	}
	src, err := newGraphSource(cfg, run)
	if err != nil {
		t.Fatalf("newGraphSource: %v", err)
	}
	hits, err := src.Search(context.Background(), diagnosis.NewQuery("咳嗽", "痉挛性咳嗽"), 5)
	if err != nil || len(hits) != 2 {
		t.Fatalf("unexpected %+v / %v", hits, err)
	}
	if hits[0].Description != "呼吸道传染病；病因：百日咳杆菌；治疗科室：儿科 呼吸内科；并发症：肺炎" {
		t.Fatalf("unexpected enriched description %q", hits[0].Description)
	}
	if hits[1].Description != "支气管炎症" {
		t.Fatalf("failed lookup must keep the hit unchanged, got %q", hits[1].Description)
	}
	if len(looked) != 2 {
		t.Fatalf("expected one lookup per hit, got %v", looked)
	}
}

func TestGraphSourceDetailsEmpty(t *testing.T) {
	src, _ := newGraphSource(DefaultConfig(), func(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
		return []map[string]any{{"departments": []any{}, "complications": nil}}, nil
	})
	d, err := src.Details(context.Background(), "未知疾病")
	if err != nil || len(d.Departments) != 0 || len(d.Complications) != 0 {
		t.Fatalf("unexpected detail %+v / %v", d, err)
	}
}
