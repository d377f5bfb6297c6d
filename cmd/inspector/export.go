package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xiaowucn/scriber-inspector/internal/answer"
	"github.com/xiaowucn/scriber-inspector/internal/export"
	"github.com/xiaowucn/scriber-inspector/internal/rules"
	"github.com/xiaowucn/scriber-inspector/internal/store"
)

func newExportCmd(c *cli) *cobra.Command {
	var schemaName, source, output string
	cmd := &cobra.Command{
		Use:   "export <document-id>...",
		Short: "Export stored audit results as an XLSX workbook",
		Long: `Write the stored audit results of the given documents to one workbook: an
"Audit" sheet with one row per result and a "Summary" sheet of verdict counts.

Examples:
  inspector export doc-1 doc-2 --schema fund -o audit.xlsx`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := answer.ParseSource(source)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return c.withDeps(ctx, func(d *dependencies) error {
				var all []rules.AuditResult
				for _, id := range args {
					rs, err := d.store.ListResults(ctx, store.Key{DocumentID: id, Schema: schemaName, Source: src})
					if err != nil {
						return fmt.Errorf("list results of %s: %w", id, err)
					}
					all = append(all, rs...)
				}

				buf, err := export.WriteAuditWorkbook(all)
				if err != nil {
					return err
				}
				if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
					return fmt.Errorf("create output directory: %w", err)
				}
				if err := os.WriteFile(output, buf.Bytes(), 0o644); err != nil {
					return fmt.Errorf("write %s: %w", output, err)
				}
				d.logger.Info(ctx, "audit workbook written",
					zap.String("path", output),
					zap.Int("documents", len(args)),
					zap.Int("rows", len(all)))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&schemaName, "schema", "", "schema name (required)")
	cmd.Flags().StringVar(&source, "source", string(answer.SourcePreset), "answer source: preset or final")
	cmd.Flags().StringVarP(&output, "output", "o", "audit.xlsx", "output file")
	_ = cmd.MarkFlagRequired("schema")
	return cmd
}
