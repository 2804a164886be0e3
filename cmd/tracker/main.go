package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	centralserver "tarun-kavipurapu/p2p-chunknet/central-server"
	"tarun-kavipurapu/p2p-chunknet/pkg/config"
	"tarun-kavipurapu/p2p-chunknet/pkg/logger"

	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:          "tracker",
	Short:        "Run a tracker from a config file",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if err := logger.Configure(cfg.Log.Level, cfg.Log.File); err != nil {
			return err
		}

		server, err := centralserver.NewCentralServer(cfg)
		if err != nil {
			return err
		}
		if err := server.Start(); err != nil {
			return fmt.Errorf("error starting tracker: %w", err)
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		server.Stop()
		return nil
	},
}

func main() {
	rootCmd.Flags().StringVarP(&cfgPath, "config", "c", config.FileName, "Path to the TOML config file")
	if err := rootCmd.Execute(); err != nil {
		logger.Sugar.Error(err)
		os.Exit(1)
	}
}
