package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-greeter/internal/log"
	"github.com/teslashibe/go-greeter/pkg/kiosk"
)

func newSayCmd(flags *globalFlags) *cobra.Command {
	var (
		engine  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "say <text...>",
		Short: "Speak a phrase through the configured engine",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := flags.load()
			if err != nil {
				return err
			}
			if engine != "" {
				cfg.TTS.Engine = engine
			}

			d, err := kiosk.NewSpeaker(cfg, kiosk.WithLogger(log.L()))
			if err != nil {
				return err
			}
			defer d.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := d.Init(ctx); err != nil {
				log.Warn("warm-up failed", "error", err)
			}
			text := strings.Join(args, " ")
			if err := d.Speak(ctx, text); err != nil {
				return fmt.Errorf("say: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "spoke %q with %s engine\n", text, d.Engine().Kind())
			return nil
		},
	}
	cmd.Flags().StringVarP(&engine, "engine", "e", "", "override tts.engine (none, local, remote)")
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "give up after this long")
	return cmd
}
