package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/crfactory/internal/intervene"
)

var interveneCmd = &cobra.Command{
	Use:   "intervene <cr-id>",
	Short: "Queue a nudge or instruction for a change request",
	Long: `Queue advisory guidance for the pipeline's agents. An instruction is
delivered to the next stage that starts; a nudge is delivered to the next
invocation of the named agent role. Neither forces an outcome.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")
		message, _ := cmd.Flags().GetString("message")
		instruction, _ := cmd.Flags().GetString("instruction")
		if instruction == "" && (role == "" || message == "") {
			return fmt.Errorf("provide --instruction, or --role with --message")
		}

		eng, cleanup, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		if instruction != "" {
			err = eng.Intervene(args[0], nil, &intervene.Instruction{Text: instruction})
		} else {
			err = eng.Intervene(args[0], &intervene.Nudge{Role: role, Message: message}, nil)
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "intervention queued")
		return nil
	},
}

func init() {
	interveneCmd.Flags().String("role", "", "Agent role to nudge")
	interveneCmd.Flags().String("message", "", "Nudge message")
	interveneCmd.Flags().String("instruction", "", "Instruction for the next stage")
}
