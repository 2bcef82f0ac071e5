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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/pairing/complete", r.URL.Path)

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "123456", req["code"])
		assert.Equal(t, "kitchen", req["deviceName"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Credentials{
			DeviceID:    "dev-1",
			DeviceToken: "tok-1",
			Name:        "kitchen",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	creds, err := c.Pair(context.Background(), "123456", "kitchen")
	require.NoError(t, err)
	assert.Equal(t, "dev-1", creds.DeviceID)
	assert.Equal(t, "tok-1", creds.DeviceToken)
}

func TestPairErrorKinds(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{http.StatusNotFound, KindNotFound},
		{http.StatusGone, KindExpired},
		{http.StatusBadRequest, KindValidation},
		{http.StatusInternalServerError, KindTransient},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))

		c := NewClient(srv.URL)
		_, err := c.Pair(context.Background(), "000000", "device")
		assert.Equal(t, tt.want, KindOf(err), "status %d", tt.status)
		srv.Close()
	}
}

func TestNextMessageEmptyMailbox(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/devices/dev-1/messages/next", r.URL.Path)
		assert.Equal(t, "30", r.URL.Query().Get("timeout"))
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.SetCredentials(Credentials{DeviceID: "dev-1", DeviceToken: "tok-1"})

	msg, err := c.NextMessage(context.Background(), 30*time.Second)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestNextMessageDelivery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(DeliveredMessage{
			MessageID: "msg-1",
			Type:      "voice",
			AudioURL:  "/api/devices/dev-1/audio/b_abc",
			Priority:  "urgent",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.SetCredentials(Credentials{DeviceID: "dev-1", DeviceToken: "tok-1"})

	msg, err := c.NextMessage(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", msg.MessageID)
	assert.Equal(t, "urgent", msg.Priority)
}

func TestNextMessageAuthRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.SetCredentials(Credentials{DeviceID: "dev-1", DeviceToken: "revoked"})

	_, err := c.NextMessage(context.Background(), time.Second)
	assert.Equal(t, KindAuth, KindOf(err))
	assert.False(t, IsRetryable(err))
}

func TestNextMessageMalformedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.SetCredentials(Credentials{DeviceID: "dev-1", DeviceToken: "tok-1"})

	_, err := c.NextMessage(context.Background(), time.Second)
	assert.Equal(t, KindTransient, KindOf(err))
}

func TestNextMessageCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(srv.URL)
	c.SetCredentials(Credentials{DeviceID: "dev-1", DeviceToken: "tok-1"})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := c.NextMessage(ctx, 30*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDownloadAudioResolvesRelativeURL(t *testing.T) {
	payload := []byte("RIFF-audio-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/devices/dev-1/audio/b_abc", r.URL.Path)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.SetCredentials(Credentials{DeviceID: "dev-1", DeviceToken: "tok-1"})

	data, err := c.DownloadAudio(context.Background(), "/api/devices/dev-1/audio/b_abc")
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestDownloadAudioMissingBlob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.DownloadAudio(context.Background(), "/api/devices/dev-1/audio/b_gone")
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestAck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/messages/msg-1/ack", r.URL.Path)

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "played", req["status"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messageId":"msg-1","state":"acked"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.SetCredentials(Credentials{DeviceID: "dev-1", DeviceToken: "tok-1"})
	assert.NoError(t, c.Ack(context.Background(), "msg-1", "played", ""))
}

func TestAckForeignMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	err := c.Ack(context.Background(), "msg-1", "played", "")
	assert.Equal(t, KindAuth, KindOf(err))
}
