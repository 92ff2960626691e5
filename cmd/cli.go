// Package cmd implements the recall command line.
package cmd

import (
	"context"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/patrikhermansson/recall/config"
	"github.com/patrikhermansson/recall/core"
)

var (
	cfgFile string
	// flagKeys maps command flags to the config keys they override.
	flagKeys = map[string]string{}
)

var rootCmd = &cobra.Command{
	Use:   "recall",
	Short: "Online candidate retrieval over a mutable ANN index",
	Long: `recall serves the top-K most similar catalog items for a user.

Items are held in a sharded in-memory store and an approximate nearest
neighbor index (HNSW or IVF). Items can be added while searches run.

Configuration comes from an optional YAML file (--config) and RECALL_*
environment variables, e.g. RECALL_DIMENSION=64 RECALL_INDEX_KIND=ivf.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error, off)")
	flagKeys["log-level"] = "log.level"
}

// Execute runs the CLI until it completes or ctx is canceled.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// bindFlag registers a flag of cmd as an override of a config key.
func bindFlag(name, key string) {
	flagKeys[name] = key
}

// loadConfig reads the configuration, applies flag overrides and sets up logging.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := config.NewViper()
	if err := bindFlags(cmd, v); err != nil {
		return nil, err
	}
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, err
	}
	core.SetupLogging(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if features := core.CPUFeatures(); len(features) > 0 {
		log.Debug().Msgf("CPU features: %s", strings.Join(features, ", "))
	}
	return cfg, nil
}

// loadOptionalConfig is loadConfig for commands that run without a
// dimension, such as snapshot and feature tooling.
func loadOptionalConfig(cmd *cobra.Command) (*config.Config, error) {
	v := config.NewViper()
	if err := bindFlags(cmd, v); err != nil {
		return nil, err
	}
	cfg, err := config.Decode(v, cfgFile)
	if err != nil {
		return nil, err
	}
	core.SetupLogging(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	return cfg, nil
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}
	return nil
}
