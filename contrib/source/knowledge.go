package source

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/sweetpotato0/meddx/vector"
)

// DiseaseRecord is one knowledge-base entry as stored in JSONL files.
type DiseaseRecord struct {
	ID      string `json:"oid"`
	Name    string `json:"name"`
	Desc    string `json:"desc"`
	Symptom string `json:"symptom"`
}

// embedText is what the index is searched against: symptoms first, name as
// a last resort.
func (r DiseaseRecord) embedText() string {
	if s := strings.TrimSpace(r.Symptom); s != "" {
		return s
	}
	if d := strings.TrimSpace(r.Desc); d != "" {
		return d
	}
	return r.Name
}

// ReadDiseaseRecords parses one JSON record per line. Blank lines are skipped;
// a record without a name is an error.
func ReadDiseaseRecords(r io.Reader) ([]DiseaseRecord, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	var out []DiseaseRecord
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var rec DiseaseRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rec.Name = strings.TrimSpace(rec.Name)
		if rec.Name == "" {
			return nil, fmt.Errorf("line %d: disease name is required", line)
		}
		if rec.ID == "" {
			rec.ID = rec.Name
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read disease records: %w", err)
	}
	return out, nil
}

// Indexer is the write side of a vector store.
type Indexer interface {
	AddEmbedding(ctx context.Context, embedding *vector.Embedding) error
}

// IndexDiseases embeds records in batches and writes them to store. It
// returns the number of records indexed.
func IndexDiseases(ctx context.Context, embedder vector.Embedder, store Indexer, records []DiseaseRecord, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 32
	}
	indexed := 0
	for start := 0; start < len(records); start += batchSize {
		end := min(start+batchSize, len(records))
		batch := records[start:end]
		texts := make([]string, len(batch))
		for i, rec := range batch {
			texts[i] = rec.embedText()
		}
		vectors, err := embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return indexed, fmt.Errorf("embed records %d-%d: %w", start, end-1, err)
		}
		if len(vectors) != len(batch) {
			return indexed, fmt.Errorf("embedder returned %d vectors for %d records", len(vectors), len(batch))
		}
		for i, rec := range batch {
			err := store.AddEmbedding(ctx, &vector.Embedding{
				ID:     rec.ID,
				Vector: vectors[i],
				Text:   rec.Desc,
				Metadata: map[string]string{
					MetaName:    rec.Name,
					MetaDesc:    rec.Desc,
					MetaSymptom: rec.Symptom,
				},
			})
			if err != nil {
				return indexed, fmt.Errorf("index %s: %w", rec.ID, err)
			}
			indexed++
		}
	}
	return indexed, nil
}
