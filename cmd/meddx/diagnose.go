package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sweetpotato0/meddx/rag/diagnosis"
)

func newDiagnoseCommand(opts *rootOptions) *cobra.Command {
	var (
		symptoms []string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "diagnose [complaint]",
		Short: "Run one diagnosis session; reads stdin when no complaint is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := complaintText(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			resp, err := a.pipeline.RunSession(ctx, diagnosis.Session{Text: text, Symptoms: symptoms})
			if resp != nil {
				if werr := printResponse(cmd.OutOrStdout(), resp, asJSON); werr != nil {
					return werr
				}
			}
			return err
		},
	}
	cmd.Flags().StringSliceVarP(&symptoms, "symptom", "s", nil, "normalized symptom (repeatable); skips the normalizer")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full session response as JSON")
	return cmd
}

func complaintText(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	if f, ok := stdin.(*os.File); ok {
		if info, err := f.Stat(); err == nil && info.Mode()&os.ModeCharDevice != 0 {
			return "", errors.New("no complaint given: pass it as an argument or pipe it on stdin")
		}
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func printResponse(w io.Writer, resp *diagnosis.Response, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	fmt.Fprintf(w, "session:   %s\n", resp.SessionID)
	fmt.Fprintf(w, "outcome:   %s after %d attempt(s)\n", resp.Outcome, len(resp.Attempts))
	if resp.Judged {
		fmt.Fprintf(w, "relevance: %s\n", resp.Tier)
	}
	fmt.Fprintf(w, "evidence:  %d item(s)\n", len(resp.Evidence))
	for _, ev := range resp.Evidence {
		fmt.Fprintf(w, "  - [%s] %s (%.3f)\n", ev.Source, ev.Name, ev.Score)
	}
	for _, warn := range resp.Warnings {
		fmt.Fprintf(w, "warning:   %v\n", warn)
	}
	if len(resp.ConstraintViolations) > 0 {
		fmt.Fprintf(w, "outside candidate list: %s\n", strings.Join(resp.ConstraintViolations, ", "))
	}
	if len(resp.Diseases()) > 0 {
		fmt.Fprintln(w, diagnosis.FormatFinalDiagnosis(resp.Diseases()))
	}
	return nil
}
