package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/connexus-ai/searchd/internal/search"
)

// permissionFlags are the caller-identity flags shared by search and ask.
type permissionFlags struct {
	userID string
	role   string
	groups []string
}

func (p *permissionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&p.userID, "user", "", "Caller user id")
	cmd.Flags().StringVar(&p.role, "role", "MEMBER", "Caller role (MEMBER, MANAGER, ADMIN)")
	cmd.Flags().StringSliceVar(&p.groups, "groups", nil, "Caller group ids")
}

func (p *permissionFlags) filter() map[string]any {
	return map[string]any{
		"permissions": map[string]any{
			"user_id":        p.userID,
			"user_role":      p.role,
			"user_group_ids": toAnySlice(p.groups),
		},
	}
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func newSearchCmd() *cobra.Command {
	var perms permissionFlags
	var k int
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "search <organization-id> <query>",
		Short: "Search an organization's documents",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			resp, err := app.searcher.Search(cmd.Context(), &search.Request{
				TenantID: args[0],
				Query:    strings.Join(args[1:], " "),
				Filter:   perms.filter(),
				K:        k,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(resp)
			}

			if resp.Error != "" {
				fmt.Printf("Search degraded: %s\n", resp.Error)
			}
			fmt.Printf("%d results in %s\n", resp.TotalResults, resp.ProcessingTime)
			for i, r := range resp.Results {
				fmt.Printf("\n%d. %s (score %.3f)\n", i+1, r.DocumentTitle, r.Score)
				fmt.Printf("   %s\n", firstLine(r.Content))
			}
			return nil
		},
	}

	perms.register(cmd)
	cmd.Flags().IntVar(&k, "k", 10, "Number of results")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newAskCmd() *cobra.Command {
	var perms permissionFlags
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "ask <organization-id> <question>",
		Short: "Ask a question answered from an organization's documents",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			rag := search.NewRAG(app.searcher, app.llm, app.logger)
			ans, err := rag.Ask(cmd.Context(), args[0], strings.Join(args[1:], " "), perms.filter(), nil)
			if err != nil {
				return err
			}
			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(ans)
			}

			fmt.Println(ans.Answer)
			fmt.Printf("\nConfidence: %.2f\n", ans.Confidence)
			for _, src := range ans.Sources {
				fmt.Printf("  source: %s (%s)\n", src.DocumentTitle, src.ChunkID)
			}
			return nil
		},
	}

	perms.register(cmd)
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 160 {
		s = s[:157] + "..."
	}
	return s
}
