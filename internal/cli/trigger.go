package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/crfactory/internal/engine"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Create a change request and run its pipeline",
	Long: `Create a change request and drive it through the pipeline in this process.
The command returns when the pipeline completes, pauses, or fails; progress
is recorded in the event log either way.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		description, _ := cmd.Flags().GetString("description")
		source, _ := cmd.Flags().GetString("source")
		externalID, _ := cmd.Flags().GetString("external-id")

		eng, cleanup, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		crID, err := eng.Trigger(engine.TriggerRequest{
			Title:       title,
			Description: description,
			Source:      source,
			ExternalID:  externalID,
		})
		if err != nil {
			return err
		}
		eng.Wait()

		cr, err := eng.Status(crID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", crID, cr.Status)
		return nil
	},
}

func init() {
	triggerCmd.Flags().String("title", "", "Change request title")
	triggerCmd.Flags().String("description", "", "Change request description")
	triggerCmd.Flags().String("source", "cli", "Originating system")
	triggerCmd.Flags().String("external-id", "", "Identifier in the originating system")
	_ = triggerCmd.MarkFlagRequired("title")
	_ = triggerCmd.MarkFlagRequired("description")
}
