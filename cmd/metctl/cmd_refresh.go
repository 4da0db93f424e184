package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"metexplorer.io/met/internal/app/modules"
	"metexplorer.io/met/internal/usecase"
)

func newRefreshCmd(opts *globalOptions) *cobra.Command {
	var (
		batchOpts usecase.BatchOptions
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Run one refresh batch in the foreground",
		Long: `Fetches, parses and reconciles the metadata of every federation (or of
one with --federation), backfills statistics and removes orphans.
A failing federation is reported and does not stop the batch.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			_, infra, err := opts.connect(ctx)
			if err != nil {
				return err
			}
			defer infra.Close()

			mod, err := modules.NewRefreshModule(infra)
			if err != nil {
				return err
			}
			defer func() { _ = mod.Shutdown(ctx) }()

			report, err := mod.Batch().Run(ctx, batchOpts)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().StringVarP(&batchOpts.FederationSlug, "federation", "f", "", "refresh only this federation slug")
	cmd.Flags().BoolVar(&batchOpts.Force, "force", false, "reprocess documents even when unchanged")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func printReport(w io.Writer, r *usecase.BatchReport) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FEDERATION\tOUTCOME\tENTITIES\tSTAT DAYS\tERROR")
	for _, f := range r.Federations {
		entities, days := "-", "-"
		if f.Refresh != nil && f.Refresh.Reconcile != nil {
			entities = fmt.Sprint(f.Refresh.Entities)
		}
		if f.Backfill != nil && !f.Backfill.Skipped {
			days = fmt.Sprint(f.Backfill.Days)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", f.Slug, f.Outcome, entities, days, f.Error)
	}
	_ = tw.Flush()

	fmt.Fprintf(w, "\nrun %s: %d federations, %d failed, %d orphan entities and %d orphan categories removed in %s\n",
		r.RunID, len(r.Federations), r.Failures, r.OrphanEntities, r.OrphanCategories,
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	if len(r.NotComputed) > 0 {
		fmt.Fprintf(w, "features not computed: %v\n", r.NotComputed)
	}
}
