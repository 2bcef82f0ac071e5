/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

// Package main provides the CLI entrypoint for the pager agent: the
// device-side process that pairs with a hub, then polls and plays voice
// notifications.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-pager/internal/agent"
	"github.com/loqalabs/loqa-pager/internal/logging"
)

// Build-time variables (set via ldflags)
var (
	version = "dev"
	commit  = "unknown"
)

// Global configuration and state
var globalOpts struct {
	configPath string
}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "pager-agent",
	Short: "Plays voice notifications from a Loqa Pager hub",
	Long: `pager-agent is the device side of the Loqa Pager delivery system.

Pair it once against a hub with a pairing code, then run it in the
background: it long-polls the hub for queued voice notifications, plays
them through the local audio output, and acknowledges each one. Urgent
notifications temporarily raise the output volume.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logging.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		if globalOpts.configPath == "" {
			path, err := agent.DefaultConfigPath()
			if err != nil {
				return err
			}
			globalOpts.configPath = path
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalOpts.configPath, "config", "",
		"Path to agent state file (default: ~/.config/loqa-pager/agent.toml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
