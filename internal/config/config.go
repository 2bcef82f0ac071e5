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

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the pager hub
type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Pairing  PairingConfig
	Messages MessagesConfig
	Audio    AudioConfig
	Logging  LoggingConfig
	NATS     NATSConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	AdminToken   string
	BaseURL      string
}

// StorageConfig holds database and blob storage configuration
type StorageConfig struct {
	DBPath  string
	BlobDir string
}

// PairingConfig holds pairing code configuration
type PairingConfig struct {
	CodeTTL time.Duration
}

// MessagesConfig holds message queue configuration
type MessagesConfig struct {
	DefaultTTL      time.Duration
	MaxTTL          time.Duration
	LongPollTimeout time.Duration
	MaxLongPoll     time.Duration
	SweepInterval   time.Duration
	AckTimeout      time.Duration // 0 disables delivered->queued requeue
}

// AudioConfig holds audio normalization configuration
type AudioConfig struct {
	FFmpegPath     string
	MaxUploadBytes int64
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// NATSConfig holds NATS messaging configuration. An empty URL disables
// event publishing entirely.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	MaxReconnect  int
	ReconnectWait time.Duration
}

// Load loads configuration from environment variables with defaults
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:         getEnvString("PAGER_HOST", "0.0.0.0"),
			Port:         getEnvInt("PAGER_PORT", 8080),
			ReadTimeout:  getEnvDuration("PAGER_READ_TIMEOUT", 180*time.Second),
			WriteTimeout: getEnvDuration("PAGER_WRITE_TIMEOUT", 180*time.Second),
			AdminToken:   getEnvString("ADMIN_TOKEN", ""),
			BaseURL:      getEnvString("BASE_URL", ""),
		},
		Storage: StorageConfig{
			DBPath:  getEnvString("DB_PATH", "./data/loqa-pager.db"),
			BlobDir: getEnvString("BLOB_DIR", "./data/blobs"),
		},
		Pairing: PairingConfig{
			CodeTTL: getEnvDuration("PAIRING_CODE_TTL", 5*time.Minute),
		},
		Messages: MessagesConfig{
			DefaultTTL:      getEnvDuration("MESSAGE_DEFAULT_TTL", 10*time.Minute),
			MaxTTL:          getEnvDuration("MESSAGE_MAX_TTL", 24*time.Hour),
			LongPollTimeout: getEnvDuration("LONGPOLL_TIMEOUT", 45*time.Second),
			MaxLongPoll:     getEnvDuration("LONGPOLL_MAX_TIMEOUT", 120*time.Second),
			SweepInterval:   getEnvDuration("SWEEP_INTERVAL", 30*time.Second),
			AckTimeout:      getEnvDuration("ACK_TIMEOUT", 0),
		},
		Audio: AudioConfig{
			FFmpegPath:     getEnvString("FFMPEG_PATH", "ffmpeg"),
			MaxUploadBytes: getEnvInt64("MAX_UPLOAD_BYTES", 25<<20),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
		},
		NATS: NATSConfig{
			URL:           getEnvString("NATS_URL", ""),
			SubjectPrefix: getEnvString("NATS_SUBJECT_PREFIX", "loqa.pager"),
			MaxReconnect:  getEnvInt("NATS_MAX_RECONNECT", 10),
			ReconnectWait: getEnvDuration("NATS_RECONNECT_WAIT", 2*time.Second),
		},
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// validate checks if the configuration is valid
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	// PAGER_DEV permits a tokenless admin surface on loopback-only setups.
	if c.Server.AdminToken == "" && os.Getenv("PAGER_DEV") == "" {
		return fmt.Errorf("ADMIN_TOKEN must be provided")
	}

	if c.Pairing.CodeTTL <= 0 {
		return fmt.Errorf("pairing code TTL must be positive: %v", c.Pairing.CodeTTL)
	}

	if c.Messages.DefaultTTL <= 0 || c.Messages.DefaultTTL > c.Messages.MaxTTL {
		return fmt.Errorf("default message TTL must be within (0, %v]: %v",
			c.Messages.MaxTTL, c.Messages.DefaultTTL)
	}

	if c.Messages.LongPollTimeout <= 0 || c.Messages.LongPollTimeout > c.Messages.MaxLongPoll {
		return fmt.Errorf("long-poll timeout must be within (0, %v]: %v",
			c.Messages.MaxLongPoll, c.Messages.LongPollTimeout)
	}

	// The HTTP write timeout bounds how long a long-poll request can be
	// held open; a shorter value would sever waiting clients mid-poll.
	if c.Server.WriteTimeout <= c.Messages.MaxLongPoll {
		return fmt.Errorf("server write timeout %v must exceed max long-poll %v",
			c.Server.WriteTimeout, c.Messages.MaxLongPoll)
	}

	if c.Audio.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload bytes must be positive: %d", c.Audio.MaxUploadBytes)
	}

	return nil
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
