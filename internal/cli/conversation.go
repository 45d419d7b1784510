package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var conversationCmd = &cobra.Command{
	Use:   "conversation <cr-id> <key>",
	Short: "Print an agent conversation transcript",
	Long: `Print the ordered transcript for an agent role key, e.g. "test_writer" or
"security". Transcripts are read from the latest checkpoint.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, cleanup, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		entries, err := eng.Conversation(args[0], args[1])
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No conversation recorded.")
			return nil
		}

		w := cmd.OutOrStdout()
		for _, e := range entries {
			fmt.Fprintf(w, "[%s %s] %s\n%s\n\n", e.At, e.Stage, e.Role, e.Message)
		}
		return nil
	},
}
