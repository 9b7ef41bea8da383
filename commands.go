package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"fieldsync/db"
	"fieldsync/handlers"
	"fieldsync/models"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

func newPendingCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Show records awaiting remote confirmation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context(), opts.cfg, opts.log)
			if err != nil {
				return err
			}
			defer store.Close()

			counts, err := pendingCounts(cmd, store)
			if err != nil {
				return err
			}
			return printPending(cmd.OutOrStdout(), counts, asJSON)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func pendingCounts(cmd *cobra.Command, store *db.Store) (map[models.Kind]int, error) {
	out := make(map[models.Kind]int, len(models.Kinds))
	for _, kind := range models.Kinds {
		n, err := store.CountBySyncState(cmd.Context(), kind, models.SyncPending)
		if err != nil {
			return nil, err
		}
		out[kind] = n
	}
	return out, nil
}

func printPending(w io.Writer, counts map[models.Kind]int, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(counts)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	total := 0
	fmt.Fprintln(tw, "KIND\tPENDING")
	for _, kind := range models.Kinds {
		fmt.Fprintf(tw, "%s\t%d\n", kind, counts[kind])
		total += counts[kind]
	}
	fmt.Fprintf(tw, "total\t%d\n", total)
	return tw.Flush()
}

func newExportCommand(opts *rootOptions) *cobra.Command {
	var kindName, outPath string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write local records as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds := models.Kinds
			if kindName != "" {
				kind, err := models.ParseKind(kindName)
				if err != nil {
					return err
				}
				kinds = []models.Kind{kind}
			}

			store, err := openStore(cmd.Context(), opts.cfg, opts.log)
			if err != nil {
				return err
			}
			defer store.Close()

			var records []*models.Record
			for _, kind := range kinds {
				recs, err := store.ListAll(cmd.Context(), kind)
				if err != nil {
					return err
				}
				records = append(records, recs...)
			}

			w := cmd.OutOrStdout()
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			if err := handlers.WriteCSV(w, records); err != nil {
				return err
			}
			opts.log.Info().Int("records", len(records)).Str("out", outPath).Msg("records exported")
			return nil
		},
	}

	cmd.Flags().StringVar(&kindName, "kind", "", "only export this kind")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output file (default stdout)")
	return cmd
}
