package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/crfactory/internal/agent"
	"github.com/lucasnoah/crfactory/internal/config"
	"github.com/lucasnoah/crfactory/internal/engine"
	"github.com/lucasnoah/crfactory/internal/event"
	"github.com/lucasnoah/crfactory/internal/intervene"
	"github.com/lucasnoah/crfactory/internal/pipeline"
)

// loadConfig loads the config named by --config, or the default search path.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		return config.Load(path)
	}
	return config.LoadDefault()
}

// dataDir resolves the state directory: pipeline.data_dir when configured,
// else ~/.crfactory.
func dataDir(cfg *config.Config) (string, error) {
	if cfg.Pipeline.DataDir != "" {
		return cfg.Pipeline.DataDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".crfactory"), nil
}

// newEngine builds a fully wired engine from the config. The cleanup function
// closes the event database.
func newEngine(cmd *cobra.Command) (*engine.Engine, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, nil, fmt.Errorf("invalid config: %s", errs[0].Error())
	}

	dir, err := dataDir(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}

	logDB, err := event.OpenLog(filepath.Join(dir, "events.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open event log: %w", err)
	}
	if err := logDB.Migrate(); err != nil {
		logDB.Close()
		return nil, nil, fmt.Errorf("migrate event log: %w", err)
	}

	store := pipeline.NewStore(filepath.Join(dir, "crs"))
	bus := event.NewBus(logDB)
	registry := intervene.NewRegistry()
	invoker := &agent.CommandInvoker{Command: cfg.Pipeline.Agent.Command}
	worktrees := agent.NewGitWorktree(&agent.ExecGit{}, filepath.Join(dir, "work"))

	eng := engine.New(store, bus, registry, invoker, worktrees, &agent.ExecTestRunner{}, cfg)
	cleanup := func() {
		eng.Wait()
		logDB.Close()
	}
	return eng, cleanup, nil
}
