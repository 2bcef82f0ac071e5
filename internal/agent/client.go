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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// longPollGrace is how much longer than the server-side long-poll timeout
// the client waits before declaring the connection dead. The server always
// answers first (204 on an empty mailbox), so hitting this margin means the
// transport failed, not that the mailbox was quiet.
const longPollGrace = 15 * time.Second

// Credentials is the identity a device holds after pairing.
type Credentials struct {
	DeviceID    string `json:"deviceId"`
	DeviceToken string `json:"deviceToken"`
	Name        string `json:"name"`
}

// DeliveredMessage is the long-poll payload for one notification.
type DeliveredMessage struct {
	MessageID string    `json:"messageId"`
	Type      string    `json:"type"`
	AudioURL  string    `json:"audioUrl"`
	Priority  string    `json:"priority"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Client is the typed HTTP client the agent uses against the hub. All
// methods classify failures into the agent error taxonomy; callers decide
// retry versus report from the kind alone.
type Client struct {
	baseURL    string
	httpClient *http.Client

	deviceID string
	token    string
}

// NewClient creates an unauthenticated client suitable for pairing.
// SetCredentials arms it for the device surface.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// No global timeout: the long poll holds connections open for
		// minutes; per-request contexts bound everything instead.
		httpClient: &http.Client{},
	}
}

// SetCredentials attaches the device identity minted at pairing.
func (c *Client) SetCredentials(creds Credentials) {
	c.deviceID = creds.DeviceID
	c.token = creds.DeviceToken
}

// DeviceID returns the paired device identity, empty before pairing.
func (c *Client) DeviceID() string {
	return c.deviceID
}

// Pair exchanges a pairing code for fresh device credentials. The token in
// the result is shown exactly once; the caller must persist it.
func (c *Client) Pair(ctx context.Context, code, deviceName string) (*Credentials, error) {
	body, _ := json.Marshal(map[string]string{
		"code":       code,
		"deviceName": deviceName,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/pairing/complete", bytes.NewReader(body))
	if err != nil {
		return nil, newError(KindValidation, "pair", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, newError(KindTransient, "pair", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, newError(KindNotFound, "pair", fmt.Errorf("unknown or consumed pairing code"))
	case http.StatusGone:
		return nil, newError(KindExpired, "pair", fmt.Errorf("pairing code expired"))
	case http.StatusBadRequest:
		return nil, newError(KindValidation, "pair", errorFromBody(resp))
	default:
		return nil, newError(KindTransient, "pair", unexpectedStatus(resp))
	}

	var creds Credentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return nil, newError(KindTransient, "pair", err)
	}
	return &creds, nil
}

// NextMessage long-polls the mailbox for up to serverTimeout. Returns
// (nil, nil) when the mailbox stayed empty — that is a successful cycle,
// not a failure.
func (c *Client) NextMessage(ctx context.Context, serverTimeout time.Duration) (*DeliveredMessage, error) {
	reqCtx, cancel := context.WithTimeout(ctx, serverTimeout+longPollGrace)
	defer cancel()

	url := fmt.Sprintf("%s/api/devices/%s/messages/next?timeout=%d",
		c.baseURL, c.deviceID, int(serverTimeout.Seconds()))

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, newError(KindValidation, "next", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Surface the caller's cancellation as-is so the loop can tell
		// shutdown from a dead connection.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, newError(KindTransient, "next", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return nil, nil
	case http.StatusUnauthorized:
		return nil, newError(KindAuth, "next", fmt.Errorf("device token rejected"))
	case http.StatusForbidden:
		return nil, newError(KindAuth, "next", fmt.Errorf("device mismatch"))
	default:
		return nil, newError(KindTransient, "next", unexpectedStatus(resp))
	}

	var msg DeliveredMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, newError(KindTransient, "next", err)
	}
	if msg.MessageID == "" {
		return nil, newError(KindTransient, "next", fmt.Errorf("malformed delivery payload"))
	}
	return &msg, nil
}

// DownloadAudio fetches canonical audio bytes from a delivery's audioUrl.
// Relative URLs are resolved against the hub base URL.
func (c *Client) DownloadAudio(ctx context.Context, audioURL string) ([]byte, error) {
	if strings.HasPrefix(audioURL, "/") {
		audioURL = c.baseURL + audioURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return nil, newError(KindValidation, "download", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, newError(KindTransient, "download", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, newError(KindNotFound, "download", fmt.Errorf("audio blob missing"))
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, newError(KindAuth, "download", fmt.Errorf("audio fetch rejected"))
	default:
		return nil, newError(KindTransient, "download", unexpectedStatus(resp))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(KindTransient, "download", err)
	}
	return data, nil
}

// Ack reports the outcome of a delivery. status is "played" or "failed".
func (c *Client) Ack(ctx context.Context, messageID, status, details string) error {
	body, _ := json.Marshal(map[string]string{
		"status":  status,
		"details": details,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/messages/%s/ack", c.baseURL, messageID), bytes.NewReader(body))
	if err != nil {
		return newError(KindValidation, "ack", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return newError(KindTransient, "ack", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return newError(KindNotFound, "ack", fmt.Errorf("unknown message"))
	case http.StatusForbidden:
		return newError(KindAuth, "ack", fmt.Errorf("message belongs to another device"))
	case http.StatusUnauthorized:
		return newError(KindAuth, "ack", fmt.Errorf("device token rejected"))
	default:
		return newError(KindTransient, "ack", unexpectedStatus(resp))
	}
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
}

func unexpectedStatus(resp *http.Response) error {
	if detail := errorFromBody(resp); detail != nil {
		return fmt.Errorf("unexpected status %d: %w", resp.StatusCode, detail)
	}
	return fmt.Errorf("unexpected status %d", resp.StatusCode)
}

// errorFromBody pulls the hub's JSON error message when one is present.
func errorFromBody(resp *http.Response) error {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&payload); err != nil || payload.Error == "" {
		return nil
	}
	if payload.Message != "" {
		return fmt.Errorf("%s: %s", payload.Error, payload.Message)
	}
	return fmt.Errorf("%s", payload.Error)
}
