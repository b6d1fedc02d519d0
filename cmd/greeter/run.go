package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-greeter/internal/config"
	"github.com/teslashibe/go-greeter/internal/log"
	"github.com/teslashibe/go-greeter/pkg/kiosk"
)

func newRunCmd(flags *globalFlags) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the kiosk",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, cfg, err := flags.load()
			if err != nil {
				return err
			}

			k, err := kiosk.New(cfg, kiosk.WithLogger(log.L()))
			if err != nil {
				return err
			}
			if err := k.Init(); err != nil {
				return err
			}

			if watch && loader.Path() != "" {
				err := loader.Watch(func(next *config.Config) {
					if flags.logLevel != "" {
						next.Log.Level = flags.logLevel
					}
					k.Reload(next, log.SetLevel)
				})
				if err != nil {
					log.Warn("config watch disabled", "error", err)
				}
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return k.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", true, "reload shelves and log level when the config file changes")
	return cmd
}
