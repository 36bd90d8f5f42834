// Copyright (C) 2025 Helio Labs (oss@heliolabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Config is the helioscope.yaml file layout.
type Config struct {
	Storage struct {
		// Path is the badger database directory.
		Path string `yaml:"path"`

		// InMemory runs against a throwaway in-memory store.
		InMemory bool `yaml:"in_memory"`

		// SyncWrites fsyncs every write.
		SyncWrites bool `yaml:"sync_writes"`
	} `yaml:"storage"`

	Log struct {
		// Level is debug, info, warn, or error.
		Level string `yaml:"level"`

		// Format is auto, text, or json.
		Format string `yaml:"format"`

		// Dir enables file logging when set.
		Dir string `yaml:"dir"`
	} `yaml:"log"`
}

// DefaultConfig covers running without a config file.
func DefaultConfig() Config {
	var cfg Config
	cfg.Storage.Path = "helioscope.db"
	cfg.Log.Level = "info"
	cfg.Log.Format = "auto"
	return cfg
}

// LoadConfig reads the YAML config. A missing file is not an error; the
// defaults apply.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// applyFlagOverrides lets explicit flags win over the config file.
func applyFlagOverrides(cmd *cobra.Command, cfg *Config) {
	flags := cmd.Root().PersistentFlags()
	if flags.Changed("store") {
		cfg.Storage.Path = storePath
	}
	if storeInMemory {
		cfg.Storage.InMemory = true
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
}
