package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sweetpotato0/meddx/contrib/source"
)

func newIngestCommand(opts *rootOptions) *cobra.Command {
	var (
		input     string
		batchSize int
		reset     bool
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Embed a JSONL disease knowledge base into the pgvector store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.Vector.Backend != BackendPG {
				return fmt.Errorf("ingest writes to the pg backend, configured backend is %q", cfg.Vector.Backend)
			}
			ctx := cmd.Context()

			f, err := os.Open(input)
			if err != nil {
				return fmt.Errorf("open knowledge base: %w", err)
			}
			defer f.Close()
			records, err := source.ReadDiseaseRecords(f)
			if err != nil {
				return err
			}

			a := &app{}
			defer a.Close(context.WithoutCancel(ctx))
			emb := buildEmbedder(cfg, a)
			store, err := openPG(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			if reset {
				if err := store.Clear(ctx); err != nil {
					return err
				}
			}

			n, err := source.IndexDiseases(ctx, emb, store, records, batchSize)
			if err != nil {
				return err
			}
			total, err := store.Count(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d diseases, store holds %d\n", n, total)
			return nil
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "JSONL knowledge base path")
	cmd.Flags().IntVar(&batchSize, "batch-size", 32, "embedding batch size")
	cmd.Flags().BoolVar(&reset, "reset", false, "clear the table before indexing")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}
