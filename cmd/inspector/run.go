package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/xiaowucn/scriber-inspector/internal/answer"
	"github.com/xiaowucn/scriber-inspector/internal/assembler"
	"github.com/xiaowucn/scriber-inspector/internal/inspect"
	"github.com/xiaowucn/scriber-inspector/internal/rules"
)

type runOptions struct {
	schema   string
	source   string
	labels   []string
	withTree bool
}

func newRunCmd(c *cli) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <document-id>...",
		Short: "Inspect documents against a schema",
		Long: `Run extraction for each document, evaluate the schema's rules and commit
the answer tree and audit results.

With --source final, a document's recorded final answer is re-evaluated. A
document without one is extracted with the answer patterns learned from
every final answer recorded so far.

One JSON report per document is written to stdout, in argument order. With
several documents, runs proceed in parallel up to engine.workers.

Examples:
  # Inspect one document
  inspector run doc-1 --schema fund

  # Re-evaluate only label B rules against the final answers
  inspector run doc-1 doc-2 --schema fund --source final --label B`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := answer.ParseSource(opts.source)
			if err != nil {
				return err
			}
			reqs := make([]inspect.Request, len(args))
			for i, id := range args {
				reqs[i] = inspect.Request{DocumentID: id, Schema: opts.schema, Source: source, Labels: opts.labels}
			}

			return c.withDeps(cmd.Context(), func(d *dependencies) error {
				reports, runErr := d.service.RunMany(cmd.Context(), reqs)
				for _, r := range reports {
					if r == nil {
						continue
					}
					if err := writeReport(cmd.OutOrStdout(), r, opts.withTree); err != nil {
						return err
					}
				}
				return runErr
			})
		},
	}
	cmd.Flags().StringVar(&opts.schema, "schema", "", "schema name (required)")
	cmd.Flags().StringVar(&opts.source, "source", string(answer.SourcePreset), "answer source: preset or final")
	cmd.Flags().StringSliceVar(&opts.labels, "label", nil, "only evaluate rules with these labels")
	cmd.Flags().BoolVar(&opts.withTree, "tree", false, "include the answer tree in the report")
	_ = cmd.MarkFlagRequired("schema")
	return cmd
}

// reportJSON is the wire form of one run report.
type reportJSON struct {
	RunID                 string                 `json:"run_id"`
	DocumentID            string                 `json:"document_id"`
	Schema                string                 `json:"schema"`
	AnswerSource          answer.Source          `json:"answer_source"`
	Version               int64                  `json:"version"`
	Results               []rules.AuditResult    `json:"results"`
	ExtractionDiagnostics []assembler.Diagnostic `json:"extraction_diagnostics,omitempty"`
	RuleDiagnostics       []rules.Diagnostic     `json:"rule_diagnostics,omitempty"`
	Tree                  *answer.Tree           `json:"tree,omitempty"`
}

func writeReport(w io.Writer, r *inspect.Report, withTree bool) error {
	out := reportJSON{
		RunID:                 r.RunID,
		DocumentID:            r.Key.DocumentID,
		Schema:                r.Key.Schema,
		AnswerSource:          r.Key.Source,
		Version:               r.Version,
		Results:               r.Results,
		ExtractionDiagnostics: r.ExtractionDiagnostics,
		RuleDiagnostics:       r.RuleDiagnostics,
	}
	if out.Results == nil {
		out.Results = []rules.AuditResult{}
	}
	if withTree {
		out.Tree = r.Tree
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
