package cli

import (
	"github.com/spf13/cobra"

	"github.com/lucasnoah/crfactory/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the change request API server",
	Long: `Start the HTTP API on localhost. Triggers, interventions, and resumes go
through the API; each change request exposes a Server-Sent Events stream
that replays its full history before streaming live events.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")

		eng, cleanup, err := newEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		return web.NewServer(eng, port).Start()
	},
}

func init() {
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
}
