package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stats <organization-id>",
		Short: "Show store and index statistics for an organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			orgID := args[0]
			stats, err := app.st.GetOrgStats(cmd.Context(), orgID)
			if err != nil {
				return err
			}

			out := map[string]any{"store": stats}
			if ts, ok := app.tenants.StatsFor(orgID); ok {
				out["index"] = ts
			}
			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(out)
			}

			fmt.Printf("Organization %s\n", orgID)
			fmt.Printf("  documents:   %d\n", stats.DocumentCount)
			fmt.Printf("  chunks:      %d\n", stats.ChunkCount)
			fmt.Printf("  embeddings:  %d\n", stats.EmbeddingCount)
			fmt.Printf("  needs_reindex: %v\n", stats.NeedsReindex)
			if stats.LastIndexUpdate != nil {
				fmt.Printf("  last_index_update: %s\n", stats.LastIndexUpdate)
			}
			if stats.LastDataChange != nil {
				fmt.Printf("  last_data_change:  %s\n", stats.LastDataChange)
			}
			if dropped := app.tenants.DroppedDenials(); dropped > 0 {
				fmt.Printf("  dropped_denial_events: %d\n", dropped)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}
