package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"metexplorer.io/met/internal/metadata"
)

// parseSummary is what metctl parse prints.
type parseSummary struct {
	Kind                  string   `json:"kind"`
	Name                  string   `json:"name,omitempty"`
	FileID                string   `json:"file_id,omitempty"`
	RegistrationAuthority string   `json:"registration_authority,omitempty"`
	Entities              int      `json:"entities"`
	Skipped               int      `json:"skipped,omitempty"`
	CertStats             string   `json:"certstats,omitempty"`
	EntityIDs             []string `json:"entity_ids,omitempty"`
}

func newParseCmd() *cobra.Command {
	var listEntities bool
	cmd := &cobra.Command{
		Use:   "parse <file.xml>",
		Short: "Parse a metadata file offline and print a summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			out := metadata.Parse(raw)
			if out.Kind == metadata.KindInvalid {
				return fmt.Errorf("%s: invalid metadata: %s", args[0], out.Reason)
			}

			doc := out.Document
			s := parseSummary{
				Kind:                  out.Kind.String(),
				Name:                  doc.Name,
				FileID:                doc.FileID,
				RegistrationAuthority: doc.RegistrationAuthority,
				Entities:              doc.Len(),
				Skipped:               doc.Skipped,
				CertStats:             doc.CertStats,
			}
			if listEntities {
				s.EntityIDs = doc.EntityIDs()
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(s)
		},
	}
	cmd.Flags().BoolVar(&listEntities, "entities", false, "include every entity id")
	return cmd
}
