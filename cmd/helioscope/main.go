// Copyright (C) 2025 Helio Labs (oss@heliolabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command helioscope inspects and transforms raster data items stored in a
// local data store.
//
// Usage:
//
//	helioscope put ramp data.f64 --shape 512x512 --dtype float64
//	helioscope info ramp
//	helioscope eval "gaussian_blur(a, 2.0) - a.mean" --var a=ramp --out smoothed
//	helioscope delete ramp
//
// Configuration is read from helioscope.yaml in the working directory (or
// --config); flags override the file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/heliolabs/helioscope/pkg/logging"
)

var (
	config Config
	logger *logging.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(configPath)
		if err != nil {
			return err
		}
		applyFlagOverrides(cmd, &cfg)
		config = cfg

		level := logging.LevelInfo
		if config.Log.Level != "" {
			level = logging.ParseLevel(config.Log.Level)
		}
		logger, err = logging.New(logging.Config{
			Level:   level,
			LogDir:  config.Log.Dir,
			Service: "helioscope",
			Format:  logFormat(config.Log.Format),
			Quiet:   quiet,
		})
		if err != nil {
			return fmt.Errorf("init logging: %w", err)
		}
		return nil
	}
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Close()
		}
	}
}

func logFormat(s string) logging.Format {
	switch s {
	case "text":
		return logging.FormatText
	case "json":
		return logging.FormatJSON
	default:
		return logging.FormatAuto
	}
}
