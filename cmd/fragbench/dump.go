package main

import (
	"fmt"

	"github.com/andreyvit/fragbench"
	"github.com/spf13/cobra"
)

func newDumpCmd(g *globalFlags) *cobra.Command {
	var name string
	var records, positions bool
	cmd := &cobra.Command{
		Use:   "dump DIR",
		Short: "Describe the contents of a bolt store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := g.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			store, err := fragbench.OpenBolt(args[0], fragbench.BoltOptions{Name: name, ReadOnly: true, Logger: logger})
			if err != nil {
				return err
			}
			defer store.Close()

			f := fragbench.DumpStats
			if records {
				f |= fragbench.DumpRecords
			}
			if positions {
				f |= fragbench.DumpPositions
			}
			s, err := store.Dump(f)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), s)
			return err
		},
	}
	cmd.Flags().StringVar(&name, "name", "StorageFragmentationTest", "Database name")
	cmd.Flags().BoolVar(&records, "records", false, "List records")
	cmd.Flags().BoolVar(&positions, "positions", false, "List position entries and tombstones")
	return cmd
}
