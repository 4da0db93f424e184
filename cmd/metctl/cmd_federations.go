package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"metexplorer.io/met/internal/domain"
	"metexplorer.io/met/internal/service"
	"metexplorer.io/met/internal/usecase"
)

func newFederationsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "federations",
		Aliases: []string{"fed"},
		Short:   "Manage federations",
	}
	cmd.AddCommand(newFederationsImportCmd(opts), newFederationsListCmd(opts))
	return cmd
}

func newFederationsImportCmd(opts *globalOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Create or update federations from a YAML seed file",
		Long: `Upserts every federation of the file keyed by slug. Stored documents
and statistics are kept. Example file:

  federations:
    - name: eduGAIN
      type: mesh
      is_interfederation: true
      source: https://mds.edugain.org/edugain-v2.xml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			seed, err := usecase.ParseSeedFile(f)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			if dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d federations valid\n", args[0], len(seed.Federations))
				return nil
			}

			ctx := cmd.Context()
			_, infra, err := opts.connect(ctx)
			if err != nil {
				return err
			}
			defer infra.Close()

			res, err := usecase.ImportFederations(ctx, infra.Store, seed)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d created, %d updated\n", res.Created, res.Updated)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate the file without touching the database")
	return cmd
}

func newFederationsListCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List federations and their last metadata update",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			_, infra, err := opts.connect(ctx)
			if err != nil {
				return err
			}
			defer infra.Close()

			feds, err := service.NewExplorer(infra.Store).Federations(ctx)
			if err != nil {
				return err
			}
			printFederations(cmd.OutOrStdout(), feds)
			return nil
		},
	}
}

func printFederations(w io.Writer, feds []*domain.Federation) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SLUG\tNAME\tFILE ID\tUPDATED\tSOURCE")
	for _, f := range feds {
		updated := "never"
		if f.MetadataUpdate != nil {
			updated = f.MetadataUpdate.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", f.Slug, f.Name, f.FileID, updated, f.Source)
	}
	_ = tw.Flush()
}
