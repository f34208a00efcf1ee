package main

import (
	"os"
	"os/signal"
	"syscall"

	"tarun-kavipurapu/p2p-share/peer"
	"tarun-kavipurapu/p2p-share/pkg/config"
	"tarun-kavipurapu/p2p-share/pkg/logger"

	"github.com/spf13/cobra"
)

var identityPath string

// Runs one named peer from an identity file, e.g.
//
//	name: alice
//	port: 8001
//	shared_dir: shared/alice
//	seed_files:
//	  - name: readme.md
//	    content: "hello from alice\n"
var rootCmd = &cobra.Command{
	Use:          "peer",
	Short:        "Run one peer from its identity file until interrupted",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(identityPath)
		if err != nil {
			return err
		}
		p, err := peer.New(cfg)
		if err != nil {
			return err
		}
		if err := p.Start(); err != nil {
			return err
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		return p.Stop()
	},
}

func main() {
	rootCmd.Flags().StringVarP(&identityPath, "config", "c", "peer.yaml", "Identity file of the peer")
	if err := rootCmd.Execute(); err != nil {
		logger.Sugar.Error(err)
		os.Exit(1)
	}
}
