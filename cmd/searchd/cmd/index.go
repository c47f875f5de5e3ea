package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Manage per-organization indexes",
	}

	cmd.AddCommand(newIndexBuildCmd())
	cmd.AddCommand(newIndexValidateCmd())
	cmd.AddCommand(newIndexSaveCmd())
	cmd.AddCommand(newIndexLoadCmd())
	cmd.AddCommand(newIndexDestroyCmd())
	return cmd
}

func newIndexBuildCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "build <organization-id>",
		Short: "Build or refresh an organization's index",
		Long: `Build the organization's index from the store. Without --force the
build is skipped when the index is already fresh per the organization's
reindex markers.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			orgID := args[0]
			if err := app.tenants.BuildOrUpdate(cmd.Context(), orgID, force); err != nil {
				return err
			}
			if stats, ok := app.tenants.StatsFor(orgID); ok {
				fmt.Printf("Index for %s: %d live chunks across %d documents (%d without vectors)\n",
					orgID, stats.Index.SizeLive, stats.DocumentCount, stats.SkippedNoVector)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Rebuild even if the index is fresh")
	return cmd
}

func newIndexValidateCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "validate <organization-id>",
		Short: "Check the structural invariants of an organization's index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			orgID := args[0]
			if err := app.tenants.BuildOrUpdate(cmd.Context(), orgID, false); err != nil {
				return err
			}
			idx, ok := app.tenants.Get(orgID)
			if !ok {
				return fmt.Errorf("no index for organization %s", orgID)
			}

			rep := idx.Validate()
			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(rep)
			}
			if rep.OK {
				fmt.Println("Index structure OK")
			} else {
				fmt.Printf("Index has %d issues:\n", len(rep.Issues))
				for _, issue := range rep.Issues {
					fmt.Printf("  - %s\n", issue)
				}
			}
			for _, w := range rep.Warnings {
				fmt.Printf("  warning: %s\n", w)
			}
			if !rep.OK {
				return fmt.Errorf("index validation failed")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newIndexSaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "save <organization-id>",
		Short: "Snapshot an organization's index to disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()
			return app.tenants.SaveToDisk(cmd.Context(), args[0])
		},
	}
}

func newIndexLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load <organization-id>",
		Short: "Restore an organization's index from its snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()
			return app.tenants.LoadPersisted(cmd.Context(), args[0])
		},
	}
}

func newIndexDestroyCmd() *cobra.Command {
	var persist bool

	cmd := &cobra.Command{
		Use:   "destroy <organization-id>",
		Short: "Drop an organization's in-memory index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()
			return app.tenants.Destroy(cmd.Context(), args[0], persist)
		},
	}

	cmd.Flags().BoolVar(&persist, "persist", false, "Snapshot the index before dropping it")
	return cmd
}
