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

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-pager/internal/agent"
)

var pairOpts struct {
	hubURL string
	name   string
}

var pairCmd = &cobra.Command{
	Use:   "pair <code>",
	Short: "Pair this device against a hub",
	Long: `Pair exchanges a pairing code (issued by the hub operator) for this
device's permanent credential and stores it in the agent state file.

The credential is shown exactly once by the hub; if the state file is
lost the device must be paired again with a fresh code.`,
	Args: cobra.ExactArgs(1),
	RunE: runPair,
}

func init() {
	rootCmd.AddCommand(pairCmd)

	pairCmd.Flags().StringVar(&pairOpts.hubURL, "hub", "http://localhost:3100",
		"Base URL of the pager hub")
	pairCmd.Flags().StringVar(&pairOpts.name, "name", "",
		"Device name shown to operators (default: hostname)")
}

func runPair(cmd *cobra.Command, args []string) error {
	name := pairOpts.name
	if name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("no --name given and hostname unavailable: %w", err)
		}
		name = hostname
	}

	client := agent.NewClient(pairOpts.hubURL)
	creds, err := client.Pair(cmd.Context(), args[0], name)
	if err != nil {
		return fmt.Errorf("pairing failed: %w", err)
	}

	cfg := &agent.StoredConfig{
		HubURL:      pairOpts.hubURL,
		DeviceID:    creds.DeviceID,
		DeviceToken: creds.DeviceToken,
		DeviceName:  name,
	}
	if err := agent.SaveConfig(globalOpts.configPath, cfg); err != nil {
		return err
	}

	fmt.Printf("Paired as %q (device %s) against %s\n", name, creds.DeviceID, pairOpts.hubURL)
	fmt.Printf("Credentials stored in %s\n", globalOpts.configPath)
	return nil
}
