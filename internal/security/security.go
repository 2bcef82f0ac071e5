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

package security

import (
	"crypto/subtle"
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrInvalidDeviceName is returned when a device name fails validation
	ErrInvalidDeviceName = errors.New("invalid device name")

	// ErrInvalidBlobKey is returned when an audio blob key format is invalid
	ErrInvalidBlobKey = errors.New("invalid blob key")

	// blobKeyPattern validates blob keys to only allow safe characters
	blobKeyPattern = regexp.MustCompile(`^b_[a-f0-9]+$`)
)

// SanitizeLogInput removes newline characters to prevent log injection attacks
// This function should be used for all user-controlled data before logging
func SanitizeLogInput(input string) string {
	sanitized := strings.ReplaceAll(input, "\n", "")
	sanitized = strings.ReplaceAll(sanitized, "\r", "")
	return sanitized
}

// ValidateDeviceName checks that a human-supplied device name is non-empty,
// reasonably short, and free of control characters.
func ValidateDeviceName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 100 {
		return ErrInvalidDeviceName
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return ErrInvalidDeviceName
		}
	}
	return nil
}

// ValidateBlobKey ensures a blob key contains only safe characters and
// prevents path traversal when resolving blob files on disk.
func ValidateBlobKey(key string) error {
	if key == "" || len(key) > 70 {
		return ErrInvalidBlobKey
	}
	if strings.Contains(key, "/") || strings.Contains(key, "\\") || strings.Contains(key, "..") {
		return ErrInvalidBlobKey
	}
	if !blobKeyPattern.MatchString(key) {
		return ErrInvalidBlobKey
	}
	return nil
}

// ConstantTimeEquals compares two secrets without leaking a match through
// early return timing.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
