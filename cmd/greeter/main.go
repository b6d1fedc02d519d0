// Command greeter runs the shop greeter kiosk.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-greeter/internal/config"
	"github.com/teslashibe/go-greeter/internal/log"
)

// Set at build time.
var version = "dev"

type globalFlags struct {
	configPath string
	envFile    string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "greeter",
		Short:         "Camera-driven shop greeter kiosk",
		Long:          "Greets customers when they arrive, thanks them when they pay or leave\nand apologises for sold-out shelves.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "config file (default ./"+config.DefaultPath+" if present)")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "dotenv file loaded before the environment")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override log.level")

	root.AddCommand(
		newRunCmd(flags),
		newSayCmd(flags),
		newConfigCmd(flags),
		newSerialCmd(flags),
	)
	return root
}

// load reads the configuration and initialises logging from it.
func (f *globalFlags) load() (*config.Loader, *config.Config, error) {
	loader := config.NewLoader(f.configPath).WithEnvFile(f.envFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	log.Init(cfg.Log.Level)
	log.SetLevel(cfg.Log.Level)
	loader.WithLogger(log.L())
	return loader, cfg, nil
}
