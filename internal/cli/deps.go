package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/woodwosj/hydra/internal/codex"
	"github.com/woodwosj/hydra/internal/config"
	"github.com/woodwosj/hydra/internal/orchestrator"
	"github.com/woodwosj/hydra/internal/profile"
	"github.com/woodwosj/hydra/internal/store"
)

// loadConfig resolves settings, honoring the persistent --config flag.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	loader := config.NewLoader()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		cfg, err := loader.LoadFromPath(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		return cfg, nil
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// buildManager assembles a hydrated Manager over the configured store and
// profile paths. The codex runner is optional: when the binary cannot be
// resolved the manager runs degraded and the caller sees a stderr warning.
func buildManager(cmd *cobra.Command) (*orchestrator.Manager, *store.Store, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}

	eventStore := store.New(cfg.StorePath)
	loader := profile.NewLoader(cfg.ProfilePaths)

	opts := []orchestrator.Option{}
	runner, err := codex.NewExecRunner(cfg.CodexPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: codex unavailable: %v\n", err)
	} else {
		opts = append(opts, orchestrator.WithRunner(runner))
	}

	manager := orchestrator.NewManager(eventStore, loader, cfg, opts...)
	if err := manager.Hydrate(); err != nil {
		eventStore.Close()
		return nil, nil, nil, fmt.Errorf("store unavailable: %w", err)
	}
	return manager, eventStore, cfg, nil
}

// openStore opens the configured event store without building a manager.
// Used by the read-only diagnostic commands.
func openStore(cmd *cobra.Command) (*store.Store, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	eventStore := store.New(cfg.StorePath)
	if err := eventStore.Ping(); err != nil {
		eventStore.Close()
		return nil, nil, fmt.Errorf("store unavailable: %w", err)
	}
	return eventStore, cfg, nil
}
