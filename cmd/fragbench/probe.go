package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/andreyvit/fragbench"
	"github.com/spf13/cobra"
)

func newProbeCmd(g *globalFlags) *cobra.Command {
	var walDir, format string
	cmd := &cobra.Command{
		Use:   "probe DIR",
		Short: "Measure a storage directory by file category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := &fragbench.Probe{Location: args[0], LogDir: walDir}
			snap, err := p.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), format, func(w io.Writer) error {
				for _, f := range snap.Files {
					if _, err := fmt.Fprintf(w, "%-10s %12d  %s\n", f.Category, f.Size, f.Name); err != nil {
						return err
					}
				}
				_, err := fmt.Fprintf(w, "%s\nTotal: %s\n", snap, fragbench.HumanSize(snap.Total()))
				return err
			}, func(w io.Writer) error {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			})
		},
	}
	cmd.Flags().StringVar(&walDir, "wal-dir", "", "Write-ahead log directory to include as log bytes")
	cmd.Flags().StringVar(&format, "format", "text", "Output format: text or json")
	return cmd
}
