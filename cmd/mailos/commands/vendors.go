package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jholhewres/mailos/pkg/mailos/vendor"
)

func newVendorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vendors",
		Short: "List the supported LLM vendors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tDEFAULT MODEL\tCREDENTIALS\tTOOLS\tIMAGES\tSTREAMING")
			for _, d := range vendor.Vendors() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%t\t%t\n",
					d.ID, d.DisplayName, d.DefaultModel, d.Credentials,
					d.Capabilities.ToolCalling, d.Capabilities.ImageInput, d.Capabilities.Streaming)
			}
			return w.Flush()
		},
	}
}
