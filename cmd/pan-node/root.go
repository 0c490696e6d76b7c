// cmd/pan-node/root.go
// Root command for the `pan-node` CLI: a persistent --config flag,
// viper-backed PAN_CONFIG env resolution, and one logger initialised
// exactly once before any subcommand runs.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jayk/pan-node/internal/logging"
	"github.com/jayk/pan-node/pkg/version"
)

var (
	cfgFile string
	logJSON bool

	rootCmd = &cobra.Command{
		Use:   "pan-node",
		Short: "PAN node — peer-to-peer messaging overlay node",
		Long:  "pan-node terminates agent and peer connections for one node of a PAN messaging overlay.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logging.Initialised() {
				return nil
			}
			return initLogger()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfigPath)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to the node's JSON5 config file (overrides PAN_CONFIG)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Emit structured JSON logs instead of console output")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// Execute is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initConfigPath resolves the config path from, in precedence order, the
// --config flag and the PAN_CONFIG environment variable, defaulting to
// config.json5.
func initConfigPath() {
	viper.SetEnvPrefix("PAN")
	viper.AutomaticEnv()
	viper.SetDefault("config", "config.json5")

	if cfgFile == "" {
		cfgFile = viper.GetString("config")
	}
}

func initLogger() error {
	cfg := zap.NewProductionConfig()
	if !logJSON {
		cfg = zap.NewDevelopmentConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	logging.Set(logger)
	logging.Sugar().Infow("pan-node starting", "version", version.String())
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the pan-node version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.String())
		},
	}
}
