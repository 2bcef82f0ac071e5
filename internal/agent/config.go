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

package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// ErrNotPaired is returned when no stored credentials exist yet.
var ErrNotPaired = errors.New("agent is not paired")

// StoredConfig is the on-disk agent state: where the hub lives and the
// credential minted at pairing. The token is a secret; the file is written
// owner-only.
type StoredConfig struct {
	HubURL      string `toml:"hub_url"`
	DeviceID    string `toml:"device_id"`
	DeviceToken string `toml:"device_token"`
	DeviceName  string `toml:"device_name"`
}

// DefaultConfigPath returns the agent state file location under the user
// config directory.
func DefaultConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve config directory: %w", err)
	}
	return filepath.Join(dir, "loqa-pager", "agent.toml"), nil
}

// LoadConfig reads stored agent state from path.
func LoadConfig(path string) (*StoredConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotPaired
		}
		return nil, fmt.Errorf("failed to read agent config: %w", err)
	}

	var cfg StoredConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse agent config: %w", err)
	}
	if cfg.DeviceToken == "" || cfg.DeviceID == "" {
		return nil, ErrNotPaired
	}
	return &cfg, nil
}

// SaveConfig persists agent state with owner-only permissions.
func SaveConfig(path string, cfg *StoredConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode agent config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write agent config: %w", err)
	}
	return nil
}
