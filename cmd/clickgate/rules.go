package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/shortontech/clickgate/pkg/config"
)

func newRulesCmd() *cobra.Command {
	var (
		path   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Validate and print the network click-id rules",
		Long: "Loads the rule file (RULES_PATH or --file) exactly as serve does and prints\n" +
			"the enabled rules in evaluation order. An invalid file is reported as an error.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("file") {
				path = config.Load().RulesPath
			}
			rules, err := config.LoadRules(path)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), rules)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PRIORITY\tNETWORK\tPARAM\tLENGTH\tMIN ENTROPY\tREFERER")
			for _, r := range rules {
				referer := "-"
				if r.RequiresReferer {
					referer = r.RefererPattern
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d-%d\t%.1f\t%s\n",
					r.Priority, r.Network, r.ClickIDParam, r.MinLength, r.MaxLength, r.MinEntropy, referer)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&path, "file", "", "rule file to check; defaults to RULES_PATH, then the built-in set")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print rules as JSON")
	return cmd
}
