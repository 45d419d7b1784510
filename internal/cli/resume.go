package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <cr-id>",
	Short: "Resume a paused or failed pipeline from its latest checkpoint",
	Long: `Resume a paused or failed pipeline. Overrides assert human judgments the
agents could not reach on their own:

  review_passed     accept the change despite blocking review findings
  rebase_clean      conflicts were resolved by hand
  tdd_passed        accept the change despite failing tests
  release_approved  approve the release gate

Unknown override keys are rejected and nothing is resumed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, _ := cmd.Flags().GetStringSlice("override")
		overrides := make(map[string]any, len(keys))
		for _, k := range keys {
			overrides[k] = true
		}

		eng, cleanup, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := eng.Resume(args[0], overrides); err != nil {
			return err
		}
		eng.Wait()

		cr, err := eng.Status(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", args[0], cr.Status)
		return nil
	},
}

func init() {
	resumeCmd.Flags().StringSlice("override", nil, "Override key to apply (repeatable)")
}
