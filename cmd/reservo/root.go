package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"reservo/internal/config"
)

var (
	Version   = "dev"
	CommitSHA = "none"
	BuildDate = "unknown"
)

func NewRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "reservo",
		Short:         "Reservation confirmation and waitlist engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default $"+config.EnvPath+" or "+config.DefaultPath+")")

	load := func() (*config.Config, zerolog.Logger, error) {
		cfg, err := config.Load(config.ResolvePath(configPath))
		if err != nil {
			return nil, zerolog.Nop(), fmt.Errorf("load config: %w", err)
		}
		return cfg, newLogger(cfg), nil
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newServeCmd(load))
	root.AddCommand(newSweepCmd(load))
	root.AddCommand(newExportCmd(load))

	return root
}

// configLoader loads the config selected by the root flags.
type configLoader func() (*config.Config, zerolog.Logger, error)

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
