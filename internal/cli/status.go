package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [cr-id]",
	Short: "Show change request status",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, cleanup, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		format, _ := cmd.Flags().GetString("format")

		if len(args) == 1 {
			cr, err := eng.Status(args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(cr, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		crs, err := eng.StatusAll()
		if err != nil {
			return err
		}

		if format == "json" {
			data, _ := json.MarshalIndent(crs, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		if len(crs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No change requests found.")
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-36s %-10s %-10s %-8s %s\n", "CR", "STATUS", "SOURCE", "COST", "TITLE")
		fmt.Fprintf(w, "%-36s %-10s %-10s %-8s %s\n",
			strings.Repeat("-", 36),
			strings.Repeat("-", 10),
			strings.Repeat("-", 10),
			strings.Repeat("-", 8),
			strings.Repeat("-", 5))
		for _, cr := range crs {
			title := cr.Title
			if len(title) > 40 {
				title = title[:37] + "..."
			}
			fmt.Fprintf(w, "%-36s %-10s %-10s $%-7.2f %s\n",
				cr.ID, cr.Status, cr.Source, cr.CostUSD, title)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text or json")
}
