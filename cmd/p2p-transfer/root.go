package main

import (
	"os"

	"tarun-kavipurapu/p2p-chunknet/pkg/config"
	"tarun-kavipurapu/p2p-chunknet/pkg/logger"

	"github.com/spf13/cobra"
)

var (
	cfgFile     string
	storageRoot string
	logLevel    string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "p2p-transfer",
	Short: "P2P Chunked File Distribution",
	Long: `Chunk files into verified pieces, register them with a tracker and
download them from whichever peers hold each chunk.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if storageRoot != "" {
			cfg.Storage.Root = storageRoot
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		return logger.Configure(cfg.Log.Level, cfg.Log.File)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Sugar.Error(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", config.FileName, "Path to the TOML config file")
	rootCmd.PersistentFlags().StringVar(&storageRoot, "storage", "", "Storage root (overrides storage.root)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}
