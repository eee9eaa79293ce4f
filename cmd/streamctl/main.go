// streamctl runs and exercises duplexstream endpoints.
//
//	streamctl serve --config duplex.yaml   # echo server
//	streamctl send /api/echo --body hello  # one request against a server
//	streamctl version
package main

import (
	"context"
	"fmt"
	"os"

	"duplexstream/config"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "streamctl",
	Short:         "duplex streaming transport tool",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("streamctl %s (%s)\n", Version, GitCommit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.AddCommand(serveCmd, sendCmd, versionCmd)
}

// loadConfig reads the config file and DUPLEX_* overrides and builds the
// logger they describe.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.NewLoader().WithConfigPath(configPath).Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
