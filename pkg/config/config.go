// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package config defines wdht-server's configuration surface: CLI
// flags and environment variables bound through viper, in the shape of
// the teacher's cmd/uplink/cmd RootCmd (a flags struct bound onto the
// command, per cmd/uplink/cmd/root.go's addCmd/process.Bind) — reworked
// directly against viper/cobra's own binding API since the teacher's
// cfgstruct/process helpers weren't part of the retrieved pack.
package config

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/webdht/wdht/pkg/kademlia"
)

// Config is wdht-server's full runtime configuration (spec.md §6's CLI
// surface plus the cycle cadences spec.md §10 leaves as an Open
// Question, resolved to kademlia's own defaults unless overridden).
type Config struct {
	Bind              string        `mapstructure:"bind"`
	BootstrapHTTPBind string        `mapstructure:"bootstrap-http-bind"`
	Namespace         string        `mapstructure:"namespace"`
	BootstrapSeeds    []string      `mapstructure:"bootstrap-seed"`
	LogLevel          string        `mapstructure:"log-level"`
	RefreshInterval   time.Duration `mapstructure:"refresh-interval"`
	RepublishInterval time.Duration `mapstructure:"republish-interval"`
	GCInterval        time.Duration `mapstructure:"gc-interval"`
	RPCTimeout        time.Duration `mapstructure:"rpc-timeout"`
}

// Defaults returns the configuration a bare `wdht-server server` run
// uses with no flags or environment overrides at all.
func Defaults() Config {
	return Config{
		Bind:              "127.0.0.1:7946",
		BootstrapHTTPBind: "",
		Namespace:         "wdht",
		LogLevel:          "info",
		RefreshInterval:   kademlia.RefreshInterval,
		RepublishInterval: kademlia.RepublishInterval,
		GCInterval:        kademlia.GCInterval,
		RPCTimeout:        5 * time.Second,
	}
}

// Bind registers cmd's flags against Defaults() and binds them into v
// (environment variables take the WDHT_ prefix, e.g. WDHT_LOG_LEVEL per
// spec.md §6), mirroring the teacher's "flags on a struct" shape
// without its cfgstruct reflection machinery — each field gets an
// explicit flag here instead.
func Bind(cmd *cobra.Command, v *viper.Viper) *Config {
	cfg := Defaults()

	cmd.Flags().StringVar(&cfg.Bind, "bind", cfg.Bind, "address to listen on")
	cmd.Flags().StringVar(&cfg.BootstrapHTTPBind, "bootstrap-http-bind", cfg.BootstrapHTTPBind,
		"address to serve the native bootstrap HTTP endpoint on (disabled if empty); lets this node act as a seed for others")
	cmd.Flags().StringVar(&cfg.Namespace, "namespace", cfg.Namespace, "topic-hash namespace")
	cmd.Flags().StringSliceVar(&cfg.BootstrapSeeds, "bootstrap-seed", cfg.BootstrapSeeds,
		"bootstrap seed contact (repeatable) as <hex-id>@<target>; target is a native host:port or an http(s):// URL")
	cmd.Flags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "zap log level")
	cmd.Flags().DurationVar(&cfg.RefreshInterval, "refresh-interval", cfg.RefreshInterval, "stale-bucket refresh cadence")
	cmd.Flags().DurationVar(&cfg.RepublishInterval, "republish-interval", cfg.RepublishInterval, "owned-record republish cadence")
	cmd.Flags().DurationVar(&cfg.GCInterval, "gc-interval", cfg.GCInterval, "record store GC cadence")
	cmd.Flags().DurationVar(&cfg.RPCTimeout, "rpc-timeout", cfg.RPCTimeout, "per-RPC timeout")

	v.SetEnvPrefix("WDHT")
	v.AutomaticEnv()
	_ = v.BindPFlags(cmd.Flags())

	return &cfg
}

// Load re-reads every bound flag's final value out of v (after cobra
// has parsed os.Args and any WDHT_* environment override has applied)
// into cfg. Bind's returned *Config only reflects flag defaults until
// this runs in the command's RunE.
func Load(v *viper.Viper, cfg *Config) {
	if v.IsSet("bind") {
		cfg.Bind = v.GetString("bind")
	}
	if v.IsSet("bootstrap-http-bind") {
		cfg.BootstrapHTTPBind = v.GetString("bootstrap-http-bind")
	}
	if v.IsSet("namespace") {
		cfg.Namespace = v.GetString("namespace")
	}
	if v.IsSet("bootstrap-seed") {
		cfg.BootstrapSeeds = v.GetStringSlice("bootstrap-seed")
	}
	if v.IsSet("log-level") {
		cfg.LogLevel = v.GetString("log-level")
	}
	if v.IsSet("refresh-interval") {
		cfg.RefreshInterval = v.GetDuration("refresh-interval")
	}
	if v.IsSet("republish-interval") {
		cfg.RepublishInterval = v.GetDuration("republish-interval")
	}
	if v.IsSet("gc-interval") {
		cfg.GCInterval = v.GetDuration("gc-interval")
	}
	if v.IsSet("rpc-timeout") {
		cfg.RPCTimeout = v.GetDuration("rpc-timeout")
	}
}
