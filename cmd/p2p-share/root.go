package main

import (
	"os"

	"tarun-kavipurapu/p2p-share/pkg/logger"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "p2p-share",
	Short: "P2P LAN file sharing",
	Long: `Peers discover each other on the local network, gossip their membership,
exchange file catalogs and transfer files directly with checksum verification.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Sugar.Error(err)
		os.Exit(1)
	}
}
