package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/xiaowucn/scriber-inspector/internal/answer"
)

// maxTreeSize bounds an answer tree read from a file or stdin.
const maxTreeSize = 16 * 1024 * 1024

func newRecordFinalCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "record-final <tree.json|->",
		Short: "Store a user-validated answer tree as the final answer",
		Long: `Validate an answer tree against its schema and document, store it as the
final answer of its (document, schema) and learn answer patterns from it.

Results already stored for the final answer are kept; run
"inspector run --source final" to re-evaluate them.

Examples:
  inspector record-final reviewed/doc-1.fund.json
  cat tree.json | inspector record-final -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			tree, err := answer.Parse(data)
			if err != nil {
				return err
			}
			return c.withDeps(cmd.Context(), func(d *dependencies) error {
				version, err := d.service.RecordFinal(cmd.Context(), tree)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s/%s: final answer stored at version %d\n",
					tree.DocumentID, tree.Schema, version)
				return nil
			})
		},
	}
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	var r io.Reader
	if path == "-" {
		r = stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(io.LimitReader(r, maxTreeSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) > maxTreeSize {
		return nil, fmt.Errorf("%s exceeds %d bytes", path, maxTreeSize)
	}
	return data, nil
}
