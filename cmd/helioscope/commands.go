// Copyright (C) 2025 Helio Labs (oss@heliolabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath    string
	storePath     string
	storeInMemory bool
	logLevel      string
	quiet         bool

	shapeSpec string
	dtypeName string
	evalVars  []string
	outKey    string
	withStats bool

	rootCmd = &cobra.Command{
		Use:   "helioscope",
		Short: "A cli to inspect and transform raster data items",
		Long: `Helioscope manages a local store of calibrated raster data items.
				Items are written from raw payload files, inspected without
				loading pixel data, and transformed through the expression
				evaluator.`,
		SilenceUsage: true,
	}

	putCmd = &cobra.Command{
		Use:   "put [key] [payload file]",
		Short: "Write a raw payload file into the store as a data item",
		Args:  cobra.ExactArgs(2),
		RunE:  runPut, // Defined in cmd_store.go
	}

	infoCmd = &cobra.Command{
		Use:   "info [key]",
		Short: "Show shape, dtype, and data range of a stored item",
		Args:  cobra.ExactArgs(1),
		RunE:  runInfo, // Defined in cmd_store.go
	}

	deleteCmd = &cobra.Command{
		Use:   "delete [key]",
		Short: "Remove an item and its header from the store",
		Args:  cobra.ExactArgs(1),
		RunE:  runDelete, // Defined in cmd_store.go
	}

	evalCmd = &cobra.Command{
		Use:   "eval [expression]",
		Short: "Evaluate an expression over stored items",
		Long: `eval parses an expression with the restricted grammar and evaluates
				it against stored items bound through --var. The result is printed
				as a summary, or written back to the store with --out.`,
		Args: cobra.ExactArgs(1),
		RunE: runEval, // Defined in cmd_eval.go
	}
)

// init runs when the Go program starts
func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "helioscope.yaml",
		"Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "helioscope.db",
		"Badger store directory (overrides the config file)")
	rootCmd.PersistentFlags().BoolVar(&storeInMemory, "in-memory", false,
		"Use a throwaway in-memory store")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (overrides the config file)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false,
		"Suppress stderr logging")

	rootCmd.AddCommand(putCmd)
	putCmd.Flags().StringVar(&shapeSpec, "shape", "", "Item shape, e.g. 512x512 (required)")
	putCmd.Flags().StringVar(&dtypeName, "dtype", "float64",
		"Element type: float32, float64, int16, int32, uint8, complex128, rgb, rgba, ...")
	_ = putCmd.MarkFlagRequired("shape")

	rootCmd.AddCommand(infoCmd)
	infoCmd.Flags().BoolVar(&withStats, "stats", false, "Also compute mean/std (loads pixel data)")

	rootCmd.AddCommand(deleteCmd)

	rootCmd.AddCommand(evalCmd)
	evalCmd.Flags().StringArrayVar(&evalVars, "var", nil,
		"Variable binding name=key; repeatable")
	evalCmd.Flags().StringVar(&outKey, "out", "", "Write the result to the store under this key")
}
