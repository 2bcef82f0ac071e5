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
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-pager/internal/agent"
	"github.com/loqalabs/loqa-pager/internal/agent/playback"
	"github.com/loqalabs/loqa-pager/internal/logging"
)

var runOpts struct {
	pollTimeout time.Duration
	volumeFloor float64
	backoffMin  time.Duration
	backoffMax  time.Duration
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the notification poll loop until interrupted",
	Long: `Run starts the poll loop for a paired device: long-poll the hub,
download and play each notification, acknowledge it, repeat. Transport
failures back off exponentially; SIGINT/SIGTERM stop the loop cleanly
between cycles.`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().DurationVar(&runOpts.pollTimeout, "poll-timeout", 45*time.Second,
		"Server-side long-poll timeout per cycle")
	runCmd.Flags().Float64Var(&runOpts.volumeFloor, "volume-floor", 0.7,
		"Minimum output volume for urgent notifications (0.0-1.0)")
	runCmd.Flags().DurationVar(&runOpts.backoffMin, "backoff-min", time.Second,
		"Initial retry delay after a transport failure")
	runCmd.Flags().DurationVar(&runOpts.backoffMax, "backoff-max", 60*time.Second,
		"Maximum retry delay")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := agent.LoadConfig(globalOpts.configPath)
	if err != nil {
		if errors.Is(err, agent.ErrNotPaired) {
			return fmt.Errorf("not paired yet; run 'pager-agent pair <code> --hub <url>' first")
		}
		return err
	}

	client := agent.NewClient(cfg.HubURL)
	client.SetCredentials(agent.Credentials{
		DeviceID:    cfg.DeviceID,
		DeviceToken: cfg.DeviceToken,
		Name:        cfg.DeviceName,
	})

	player := playback.NewPlayer(nil)
	defer player.Close()

	loop := agent.NewLoop(client, player, agent.LoopOptions{
		PollTimeout: runOpts.pollTimeout,
		VolumeFloor: runOpts.volumeFloor,
		BackoffMin:  runOpts.backoffMin,
		BackoffMax:  runOpts.backoffMax,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Sugar.Infow("🚀 Pager agent running",
		"device_id", cfg.DeviceID,
		"hub", cfg.HubURL,
		"poll_timeout", runOpts.pollTimeout)

	if err := loop.Run(ctx); err != nil {
		return fmt.Errorf("poll loop stopped: %w", err)
	}

	logging.Sugar.Infow("✅ Pager agent stopped")
	return nil
}
