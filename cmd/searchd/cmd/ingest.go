package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/connexus-ai/searchd/internal/pipeline"
)

func newIngestCmd() *cobra.Command {
	var (
		title       string
		accessLevel string
		groupID     string
		restricted  []string
	)

	cmd := &cobra.Command{
		Use:   "ingest <organization-id> <file>",
		Short: "Ingest a plain-text document into an organization",
		Long: `Read a plain-text file, chunk and enrich it, embed the chunks, persist
them to the store, and update the organization's index online.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			if title == "" {
				title = args[1]
			}

			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := app.pipe.Process(cmd.Context(), &pipeline.Request{
				OrganizationID:    args[0],
				Title:             title,
				Text:              string(data),
				AccessLevel:       accessLevel,
				GroupID:           groupID,
				RestrictedToUsers: restricted,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Ingested %s as document %s: %d chunks, %d embedded, %d skipped (%s)\n",
				args[1], res.DocumentID, res.ChunkCount, res.EmbeddedCount, res.SkippedChunks, res.Elapsed)
			return nil
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "Document title (defaults to the file name)")
	cmd.Flags().StringVar(&accessLevel, "access-level", "PUBLIC", "Access level (PUBLIC, GROUP, MANAGERS, ADMINS, RESTRICTED)")
	cmd.Flags().StringVar(&groupID, "group", "", "Group id for GROUP-scoped documents")
	cmd.Flags().StringSliceVar(&restricted, "restricted-to", nil, "User ids for RESTRICTED documents")
	return cmd
}
