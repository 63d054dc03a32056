package main

import (
	"github.com/spf13/cobra"

	"github.com/marcuoli/go-bridgediscovery/internal/config"
	"github.com/marcuoli/go-bridgediscovery/internal/logging"
)

const appName = "bridgediscovery"

var (
	cfgFile   string //nolint:gochecknoglobals // cobra command flag
	logLevel  string //nolint:gochecknoglobals // cobra command flag
	logFormat string //nolint:gochecknoglobals // cobra command flag
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           appName,
		Short:         "Find a lighting bridge on the local network and stay connected to it",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			level, format := cfg.Log.Level, cfg.Log.Format
			if cmd.Flags().Changed("log-level") {
				level = logLevel
			}
			if cmd.Flags().Changed("log-format") {
				format = logFormat
			}
			base := logging.Base(appName, level, format)
			cmd.SetContext(withConfig(base.WithContext(cmd.Context()), cfg))
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to config file (default: built-in settings)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: trace, debug, info, warn, error")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format: json, console")

	root.AddCommand(newDiscoverCmd())
	root.AddCommand(newConnectCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}
	return config.Load(cfgFile)
}
