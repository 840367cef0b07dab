package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/terrpan/ecsrunner/internal/buildinfo"
)

func newClassSizesCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "class-sizes",
		Short: "Show the configured runner size classes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			src, err := cfg.NewSizeSource(cmd.Context())
			if err != nil {
				return err
			}
			table, err := src.Load(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch output {
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(table)
			case "table", "":
			default:
				return fmt.Errorf("unsupported output format %q (supported: table, json)", output)
			}

			if len(table) == 0 {
				fmt.Fprintln(out, "No size classes configured.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "CLASS\tCPU\tMEMORY (MiB)")
			for _, name := range table.Names() {
				s := table[name]
				fmt.Fprintf(tw, "%s\t%d\t%d\n", name, s.CPU, s.Memory)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table, json)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
		},
	}
}
