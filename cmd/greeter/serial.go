package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-greeter/internal/log"
	"github.com/teslashibe/go-greeter/pkg/serial"
)

func newSerialCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serial",
		Short: "Talk to the payment terminal",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ports",
		Short: "List serial ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := serial.Ports()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no serial ports found")
			}
			for _, p := range ports {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	})

	var (
		port string
		ping time.Duration
	)
	monitor := &cobra.Command{
		Use:   "monitor",
		Short: "Print lines received from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := flags.load()
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Serial.Port = port
				cfg.Serial.Fake = false
			}

			out := cmd.OutOrStdout()
			onLine := func(line string) {
				kind := "line"
				if serial.IsPayment(line) {
					kind = "payment"
				}
				fmt.Fprintf(out, "%s  %-7s %s\n", time.Now().Format("15:04:05.000"), kind, line)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			var link serial.Link
			switch {
			case cfg.Serial.Port != "":
				ch, err := serial.Open(cfg.Serial.Port, cfg.Serial.Baud, onLine,
					serial.WithLogger(log.L()),
					serial.WithOnDisconnect(func(error) { cancel() }))
				if err != nil {
					return err
				}
				link = ch
			case cfg.Serial.Fake:
				link = serial.NewFake(onLine, serial.WithLogger(log.L()))
				fmt.Fprintln(out, "no port configured, using the simulated terminal")
			default:
				return fmt.Errorf("serial: no port configured")
			}
			defer link.Disconnect()

			if ping > 0 {
				go pingLoop(ctx, link, ping)
			}
			<-ctx.Done()
			return nil
		},
	}
	monitor.Flags().StringVarP(&port, "port", "p", "", "serial device, overrides serial.port")
	monitor.Flags().DurationVar(&ping, "ping", 0, "send PING at this interval")
	cmd.AddCommand(monitor)
	return cmd
}

func pingLoop(ctx context.Context, link serial.Link, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := link.WriteLine("PING"); err != nil {
				log.Warn("ping failed", "error", err)
				return
			}
		}
	}
}
