package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	mysqlDir "github.com/EthanQC/realtime/internal/adapters/out/mysql"
	"github.com/EthanQC/realtime/internal/config"
)

// newMigrateCmd 建立联系人和群成员表，生产环境不在启动时自动迁移
func newMigrateCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the contacts and group_members tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if !cfg.MySQL.Enabled {
				return errors.New("mysql is disabled in config")
			}

			database, err := initDB(cfg.MySQL)
			if err != nil {
				return fmt.Errorf("init database: %w", err)
			}
			if err := mysqlDir.NewDirectory(database).AutoMigrate(); err != nil {
				return fmt.Errorf("auto migrate: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "migrated")
			return err
		},
	}
}
