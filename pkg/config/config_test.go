// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package config_test

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webdht/wdht/pkg/config"
)

func TestBindAppliesDefaultsWithNoFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "server"}
	v := viper.New()
	cfg := config.Bind(cmd, v)

	require.NoError(t, cmd.ParseFlags(nil))
	config.Load(v, cfg)

	assert.Equal(t, "127.0.0.1:7946", cfg.Bind)
	assert.Equal(t, "wdht", cfg.Namespace)
	assert.Equal(t, 30*time.Second, cfg.GCInterval)
}

func TestBindAppliesFlagOverrides(t *testing.T) {
	cmd := &cobra.Command{Use: "server"}
	v := viper.New()
	cfg := config.Bind(cmd, v)

	require.NoError(t, cmd.ParseFlags([]string{
		"--bind", "0.0.0.0:9000",
		"--bootstrap-seed", "10.0.0.1:7946",
		"--bootstrap-seed", "https://seed.example/",
		"--gc-interval", "1m",
	}))
	config.Load(v, cfg)

	assert.Equal(t, "0.0.0.0:9000", cfg.Bind)
	assert.Equal(t, []string{"10.0.0.1:7946", "https://seed.example/"}, cfg.BootstrapSeeds)
	assert.Equal(t, time.Minute, cfg.GCInterval)
}

func TestBindAppliesEnvironmentOverride(t *testing.T) {
	cmd := &cobra.Command{Use: "server"}
	v := viper.New()
	cfg := config.Bind(cmd, v)

	t.Setenv("WDHT_LOG_LEVEL", "debug")
	require.NoError(t, cmd.ParseFlags(nil))
	config.Load(v, cfg)

	assert.Equal(t, "debug", cfg.LogLevel)
}
