package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"crowdgate/internal/classify"
	"crowdgate/internal/config"
	"crowdgate/internal/registry"
)

// loadConfig returns a manager for the --config file, or the built-in
// defaults when no file is given.
func loadConfig() (*config.Manager, error) {
	path := config.ResolvePath(configPath)
	if path == "" {
		return config.NewStaticManager(config.DefaultConfig()), nil
	}
	mgr, err := config.NewManager(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return mgr, nil
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the config file and gate table",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := loadConfig()
		if err != nil {
			return err
		}
		cfg := mgr.Get()
		if err := registry.New().Configure(cfg.Gates); err != nil {
			var cfgErr *registry.ConfigError
			if errors.As(err, &cfgErr) {
				return fmt.Errorf("invalid gate table: %w", err)
			}
			return err
		}
		cmd.Printf("config ok: %d gates\n", len(cfg.Gates))
		for _, g := range cfg.Gates {
			cmd.Printf("  %-4s %-12s capacity=%d warning_at=%d\n", g.ID, g.Name, g.Capacity, classify.WarningThreshold(g.Capacity, g.WarningRatio))
		}
		return nil
	},
}
