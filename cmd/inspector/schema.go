package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xiaowucn/scriber-inspector/internal/extractor"
	"github.com/xiaowucn/scriber-inspector/internal/schema"
)

func newSchemaCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Inspect extraction schemas",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "checksum <name>...",
			Short: "Print the checksum of schemas in schemas.dir",
			Long: `Load each schema through the registry and print its checksum. Answer trees
carry the checksum of the schema they were built from.`,
			Args: cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				return c.withDeps(ctx, func(d *dependencies) error {
					for _, name := range args {
						s, err := d.schemas.Load(ctx, name)
						if err != nil {
							return err
						}
						fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", s.Name, s.Checksum())
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "validate <file|->...",
			Short: "Validate schema definition files",
			Long: `Check definitions against the definition schema, build their field trees
and decode every extractor config. Nothing is stored.`,
			Args: cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				strategies := extractor.NewDefaultRegistry()
				for _, path := range args {
					data, err := readInput(cmd.InOrStdin(), path)
					if err != nil {
						return err
					}
					s, err := schema.Parse(data, strategies)
					if err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%s, %d fields)\n", path, s.Name, len(s.LeafPaths()))
				}
				return nil
			},
		},
	)
	return cmd
}
