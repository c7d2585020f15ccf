package main

import (
	"github.com/spf13/cobra"

	"github.com/EthanQC/realtime/internal/config"
)

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "realtime",
		Short:        "Real-time fanout and presence service",
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
	// 为空时按 APP_ENV 查找 configs/config.<env>.yaml
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")

	load := func() (*config.Config, error) { return loadConfig(configPath) }
	rootCmd.AddCommand(
		newMigrateCmd(load),
		newTokenCmd(load),
	)
	return rootCmd
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}
