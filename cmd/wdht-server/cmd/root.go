// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package cmd implements wdht-server's CLI tree: a RootCmd with a
// single "server" subcommand, flags bound through pkg/config the way
// cmd/uplink/cmd/root.go binds UplinkFlags onto its own RootCmd, minus
// the profiling pre/post hooks that command carries (nothing here
// needs a CPU/heap profile toggle).
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/webdht/wdht/pkg/config"
)

// RootCmd is wdht-server's base CLI command.
var RootCmd = &cobra.Command{
	Use:           "wdht-server",
	Short:         "Kademlia-style DHT node spanning native and browser peers",
	Args:          cobra.OnlyValidArgs,
	SilenceErrors: true,
	SilenceUsage:  true,
}

var viperInstance = viper.New()

var cfg *config.Config

func init() {
	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start a DHT node and listen for peers",
		Args:  cobra.NoArgs,
		RunE:  runServer,
	}
	cfg = config.Bind(serverCmd, viperInstance)
	RootCmd.AddCommand(serverCmd)
}
