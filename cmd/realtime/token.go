package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/EthanQC/realtime/internal/config"
	"github.com/EthanQC/realtime/pkg/jwt"
)

// newTokenCmd 用配置中的密钥签发测试 token，供 wsbench 和手工联调使用
func newTokenCmd(load func() (*config.Config, error)) *cobra.Command {
	var (
		username string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token <identity>",
		Short: "Sign a client token for the given identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			token, err := jwt.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer).Generate(args[0], username, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "username claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
