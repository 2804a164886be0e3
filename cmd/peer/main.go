package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tarun-kavipurapu/p2p-chunknet/peer"
	"tarun-kavipurapu/p2p-chunknet/pkg/config"
	"tarun-kavipurapu/p2p-chunknet/pkg/logger"

	"github.com/spf13/cobra"
)

var (
	cfgPath  string
	register string
	download string
)

var rootCmd = &cobra.Command{
	Use:          "peer",
	Short:        "Run a peer from a config file",
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

		p, err := peer.NewPeerServer(cfg)
		if err != nil {
			return err
		}
		if err := p.Start(); err != nil {
			p.Stop()
			return fmt.Errorf("error starting peer: %w", err)
		}

		ctx := context.Background()
		if register != "" {
			if _, err := p.ChunkFile(ctx, register); err != nil {
				logger.Sugar.Error("Error registering file ", err)
			}
		}
		if download != "" {
			res := p.Download(ctx, download, nil)
			logger.Sugar.Info(res.String())
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		p.Stop()
		return nil
	},
}

func main() {
	rootCmd.Flags().StringVarP(&cfgPath, "config", "c", config.FileName, "Path to the TOML config file")
	rootCmd.Flags().StringVarP(&register, "register", "r", "", "File to chunk and share after joining")
	rootCmd.Flags().StringVarP(&download, "download", "d", "", "File stem to download after joining")
	if err := rootCmd.Execute(); err != nil {
		logger.Sugar.Error(err)
		os.Exit(1)
	}
}
