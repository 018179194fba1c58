package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sweetpotato0/meddx/rag/diagnosis"
	"github.com/sweetpotato0/meddx/runner"
)

const (
	noDiseaseExtracted = "未能提取疾病信息"
	sessionFailed      = "处理失败"
)

// recordID accepts both numeric and string ids.
type recordID string

func (id *recordID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = recordID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = recordID(n.String())
	return nil
}

// batchRecord is one evaluation case.
type batchRecord struct {
	ID            recordID `json:"id"`
	PatientInfo   string   `json:"patient info"`
	FirstQuestion string   `json:"first_question"`
	DiseaseName   string   `json:"disease name"`
}

// Input renders the session text from the case fields.
func (r batchRecord) Input() string {
	return fmt.Sprintf("患者病历信息：\n%s\n\n患者主诉：%s", r.PatientInfo, r.FirstQuestion)
}

type batchOutput struct {
	ID                recordID `json:"id"`
	GroundTruth       []string `json:"ground_truth_disease"`
	InputText         string   `json:"input_text"`
	RawDiagnosis      string   `json:"raw_diagnosis"`
	PredictedDiseases []string `json:"predicted_diseases"`
	Outcome           string   `json:"outcome,omitempty"`
	Attempts          int      `json:"attempts"`
	Violations        []string `json:"constraint_violations,omitempty"`
	ProcessingTime    float64  `json:"processing_time"`
	Status            string   `json:"status"`
	Error             string   `json:"error,omitempty"`
}

func readBatchRecords(r io.Reader, limit int) ([]batchRecord, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	var out []batchRecord
	seen := make(map[recordID]int)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var rec batchRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if rec.ID == "" {
			rec.ID = recordID(fmt.Sprint(line))
		}
		if first, dup := seen[rec.ID]; dup {
			return nil, fmt.Errorf("line %d: duplicate id %q (first seen on line %d)", line, rec.ID, first)
		}
		seen[rec.ID] = line
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read batch input: %w", err)
	}
	return out, nil
}

func batchTasks(records []batchRecord) []runner.Task {
	tasks := make([]runner.Task, len(records))
	for i, rec := range records {
		tasks[i] = runner.Task{
			ID:      string(rec.ID),
			Session: diagnosis.Session{ID: string(rec.ID), Text: rec.Input()},
		}
	}
	return tasks
}

// batchRows joins runner results back to their records, keeping the
// results' id order.
func batchRows(records []batchRecord, results []*runner.Result) []batchOutput {
	byID := make(map[string]batchRecord, len(records))
	for _, rec := range records {
		byID[string(rec.ID)] = rec
	}
	rows := make([]batchOutput, 0, len(results))
	for _, res := range results {
		rows = append(rows, batchRow(byID[res.TaskID], res))
	}
	return rows
}

func batchRow(rec batchRecord, res *runner.Result) batchOutput {
	row := batchOutput{
		ID:             recordID(res.TaskID),
		GroundTruth:    []string{rec.DiseaseName},
		InputText:      rec.Input(),
		ProcessingTime: math.Round(res.Elapsed.Seconds()*100) / 100,
	}
	if res.Response != nil {
		row.Outcome = string(res.Response.Outcome)
		row.Attempts = len(res.Response.Attempts)
		row.Violations = res.Response.ConstraintViolations
	}
	if !res.OK() {
		row.Status = "error"
		row.PredictedDiseases = []string{sessionFailed}
		if res.Error != nil {
			row.Error = res.Error.Error()
			row.RawDiagnosis = "处理错误: " + res.Error.Error()
		}
		row.ProcessingTime = 0
		return row
	}

	final := res.Response.Final
	row.Status = "success"
	row.RawDiagnosis = final.Raw
	if strings.TrimSpace(row.RawDiagnosis) == "" {
		row.RawDiagnosis = diagnosis.FormatFinalDiagnosis(final.Diseases)
	}
	if diseases, ok := diagnosis.ExtractDiseases(row.RawDiagnosis); ok {
		row.PredictedDiseases = diseases
	} else if len(final.Diseases) > 0 {
		row.PredictedDiseases = final.Diseases
	} else {
		row.PredictedDiseases = []string{noDiseaseExtracted}
	}
	return row
}

func writeBatchRows(w io.Writer, rows []batchOutput) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return nil
}

func runBatch(ctx context.Context, d runner.Diagnoser, workers int, records []batchRecord, w io.Writer, progress io.Writer) (runner.Summary, error) {
	r, err := runner.New(d,
		runner.WithWorkers(workers),
		runner.WithProgress(func(done, total int, res *runner.Result) {
			status := "ok"
			if !res.OK() {
				status = "failed"
			}
			fmt.Fprintf(progress, "[%d/%d] %s %s (%s)\n", done, total, res.TaskID, status, res.Elapsed.Round(time.Millisecond))
		}),
	)
	if err != nil {
		return runner.Summary{}, err
	}
	results, err := r.Run(ctx, batchTasks(records))
	if err != nil {
		return runner.Summary{}, err
	}
	if err := writeBatchRows(w, batchRows(records, results)); err != nil {
		return runner.Summary{}, fmt.Errorf("write batch output: %w", err)
	}
	return runner.Summarize(results), nil
}

func newBatchCommand(opts *rootOptions) *cobra.Command {
	var (
		input   string
		output  string
		workers int
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Diagnose every case of a JSONL dataset concurrently",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if workers > 0 {
				cfg.Runner.Workers = workers
			}

			in, err := os.Open(input)
			if err != nil {
				return fmt.Errorf("open input: %w", err)
			}
			defer in.Close()
			records, err := readBatchRecords(in, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create output: %w", err)
				}
				defer f.Close()
				out = f
			}

			ctx := cmd.Context()
			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			start := time.Now()
			summary, err := runBatch(ctx, a.pipeline, cfg.Runner.Workers, records, out, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "done: %d cases, %d succeeded, %d failed, %d escalated in %s\n",
				summary.Total, summary.Succeeded, summary.Failed, summary.Escalated, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "JSONL dataset path")
	cmd.Flags().StringVarP(&output, "output", "o", "", "JSONL result path (default stdout)")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "concurrent sessions (overrides runner.workers)")
	cmd.Flags().IntVar(&limit, "limit", 0, "process at most this many cases")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}
