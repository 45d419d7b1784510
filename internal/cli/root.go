package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "crfactory",
	Short: "crfactory — an AI change request pipeline",
	Long: `crfactory drives change requests through a fixed pipeline of AI agent
stages: intake, repo identification, worktree setup, behaviour translation
and verification, a TDD loop, concurrent review, rebase, delivery, a human
release gate, release, and retrospective.

All state is stored in ~/.crfactory/ (SQLite for events, JSON for change
requests and checkpoints). A paused or failed pipeline resumes from its
latest checkpoint, optionally with human overrides.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(interveneCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(conversationCmd)
	rootCmd.AddCommand(configCmd)

	rootCmd.PersistentFlags().String("config", "", "Path to config YAML (default: ./crfactory.yaml, ~/.crfactory/config.yaml)")
}
