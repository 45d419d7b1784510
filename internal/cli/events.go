package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events <cr-id>",
	Short: "Print the recorded event history for a change request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, cleanup, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		if _, err := eng.Status(args[0]); err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		events := eng.History(args[0])

		if format == "json" {
			data, _ := json.MarshalIndent(events, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		w := cmd.OutOrStdout()
		for _, ev := range events {
			stage := ev.Stage
			if stage == "" {
				stage = "-"
			}
			fmt.Fprintf(w, "%4d  %s  %-24s %s\n",
				ev.Seq, ev.Timestamp.Format("15:04:05.000"), ev.Type, stage)
		}
		return nil
	},
}

func init() {
	eventsCmd.Flags().String("format", "text", "Output format: text or json")
}
