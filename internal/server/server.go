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

package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-pager/internal/api"
	"github.com/loqalabs/loqa-pager/internal/audio"
	"github.com/loqalabs/loqa-pager/internal/config"
	"github.com/loqalabs/loqa-pager/internal/events"
	"github.com/loqalabs/loqa-pager/internal/logging"
	"github.com/loqalabs/loqa-pager/internal/mailbox"
	"github.com/loqalabs/loqa-pager/internal/messaging"
	"github.com/loqalabs/loqa-pager/internal/registry"
	"github.com/loqalabs/loqa-pager/internal/storage"
)

// Server wires the pager hub together: storage, the mailbox dispatcher,
// the device registry, audio normalization, and the HTTP surface.
type Server struct {
	cfg    *config.Config
	router *mux.Router
	server *http.Server

	db         *storage.Database
	devices    *storage.DeviceStore
	pairing    *storage.PairingStore
	messages   *storage.MessageStore
	blobs      *storage.BlobStore
	audit      *storage.DeliveryEventsStore
	dispatcher *mailbox.Dispatcher
	registry   *registry.Registry
	nats       *messaging.NATSService

	// Server context for graceful shutdown
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a fully wired server. The NATS connection is optional and
// attempted only when a URL is configured; a publish failure never affects
// delivery.
func New(cfg *config.Config) (*Server, error) {
	db, err := storage.NewDatabase(storage.DatabaseConfig{Path: cfg.Storage.DBPath})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	blobs, err := storage.NewBlobStore(db, cfg.Storage.BlobDir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}

	devices := storage.NewDeviceStore(db)
	pairing := storage.NewPairingStore(db)
	messages := storage.NewMessageStore(db)
	audit := storage.NewDeliveryEventsStore(db)

	dispatcher := mailbox.NewDispatcher(messages)
	reg := registry.New(devices, pairing, cfg.Server.AdminToken, cfg.Pairing.CodeTTL)

	var nats *messaging.NATSService
	if cfg.NATS.URL != "" {
		nats = messaging.NewNATSService(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err := nats.Connect(cfg.NATS.MaxReconnect, cfg.NATS.ReconnectWait); err != nil {
			logging.LogWarn("NATS unavailable, continuing without event publishing",
				zap.Error(err))
			nats = nil
		}
	}

	normalizer := audio.NewNormalizer(
		audio.NewFFmpegTranscoder(cfg.Audio.FFmpegPath),
		cfg.Audio.MaxUploadBytes,
	)

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:        cfg,
		router:     mux.NewRouter(),
		db:         db,
		devices:    devices,
		pairing:    pairing,
		messages:   messages,
		blobs:      blobs,
		audit:      audit,
		dispatcher: dispatcher,
		registry:   reg,
		nats:       nats,
		ctx:        ctx,
		cancel:     cancel,
	}

	s.routes(normalizer)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// routes sets up HTTP routing
func (s *Server) routes(normalizer *audio.Normalizer) {
	auth := api.NewAuthMiddleware(s.registry)

	pairingHandler := api.NewPairingHandler(s.registry, s.nats)
	devicesHandler := api.NewDevicesHandler(s.registry)
	uploadsHandler := api.NewUploadsHandler(normalizer, s.blobs, s.cfg.Audio.MaxUploadBytes)
	messagesHandler := api.NewMessagesHandler(
		s.dispatcher, s.messages, s.blobs, s.audit, s.nats,
		s.cfg.Messages, s.cfg.Server.BaseURL,
	)
	auditHandler := api.NewDeliveryEventsHandler(s.audit)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	// Pairing completion is the one unauthenticated endpoint: the code is
	// the credential.
	s.router.Handle("/api/pairing/complete",
		http.HandlerFunc(pairingHandler.HandleCompletePairing)).Methods(http.MethodPost)

	// Admin surface
	s.router.Handle("/api/pairing/start",
		auth.RequireAdmin(http.HandlerFunc(pairingHandler.HandleStartPairing))).Methods(http.MethodPost)
	s.router.Handle("/api/devices",
		auth.RequireAdmin(http.HandlerFunc(devicesHandler.HandleListDevices))).Methods(http.MethodGet)
	s.router.Handle("/api/uploads/audio",
		auth.RequireAdmin(http.HandlerFunc(uploadsHandler.HandleUploadAudio))).Methods(http.MethodPost)
	s.router.Handle("/api/devices/{deviceID}/messages",
		auth.RequireAdmin(http.HandlerFunc(messagesHandler.HandleEnqueueMessage))).Methods(http.MethodPost)
	s.router.Handle("/api/delivery-events",
		auth.RequireAdmin(http.HandlerFunc(auditHandler.HandleListDeliveryEvents))).Methods(http.MethodGet)

	// Device surface
	s.router.Handle("/api/devices/{deviceID}/messages/next",
		auth.RequireDevice(http.HandlerFunc(messagesHandler.HandleNextMessage))).Methods(http.MethodGet)
	s.router.Handle("/api/messages/{messageID}/ack",
		auth.RequireDevice(http.HandlerFunc(messagesHandler.HandleAck))).Methods(http.MethodPost)
	s.router.Handle("/api/devices/{deviceID}/audio/{blobKey}",
		auth.RequireDeviceOrAdmin(http.HandlerFunc(messagesHandler.HandleDownloadAudio))).Methods(http.MethodGet)
}

// Start runs the housekeeping sweeper and serves HTTP until Stop is called.
func (s *Server) Start() error {
	s.wg.Add(1)
	go s.runSweeper()

	logging.Sugar.Infow("🚀 Loqa Pager hub starting",
		"addr", s.server.Addr,
		"long_poll_timeout", s.cfg.Messages.LongPollTimeout,
		"nats_enabled", s.nats.IsConnected())

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	logging.Sugar.Infow("🛑 Shutting down Loqa Pager hub")

	// Cancel context to stop the sweeper and release long-poll waiters
	s.cancel()
	s.wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.nats.Close()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("database close failed: %w", err)
	}

	logging.Sugar.Infow("✅ Loqa Pager hub shut down successfully")
	return nil
}

// Router exposes the HTTP handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// runSweeper periodically expires overdue messages, requeues deliveries
// that were never acknowledged, and prunes stale pairing codes. TakeNext
// filters expired messages out at take time, but only the sweep transitions
// them, so each one gets exactly one expired audit event.
func (s *Server) runSweeper() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Messages.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(time.Now().UTC())
		}
	}
}

func (s *Server) sweepOnce(now time.Time) {
	expired, err := s.messages.SweepExpired(now)
	if err != nil {
		logging.LogError(err, "Expiry sweep failed")
	}
	for _, msg := range expired {
		event := events.NewDeliveryEvent(msg.ID, msg.DeviceID, events.TransitionExpired)
		event.Priority = string(msg.Priority)
		if err := s.audit.Insert(event); err != nil {
			logging.LogError(err, "Failed to record expiry event",
				zap.String("message_id", msg.ID))
		}
		s.nats.PublishMessageTransition(msg, events.TransitionExpired, "")
	}

	if s.cfg.Messages.AckTimeout > 0 {
		requeued, err := s.messages.RequeueStuck(now, s.cfg.Messages.AckTimeout)
		if err != nil {
			logging.LogError(err, "Requeue sweep failed")
		} else if requeued > 0 {
			logging.LogWarn("Requeued unacknowledged deliveries",
				zap.Int64("count", requeued))
			// Requeued messages must reach any device already parked in a
			// long poll.
			s.dispatcher.WakeAll()
		}
	}

	if _, err := s.pairing.DeleteExpired(now); err != nil {
		logging.LogError(err, "Pairing code cleanup failed")
	}
}

// handleHealth provides system health information
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.db.Ping(); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"status":%q,"timestamp":%q,"nats":%t}`+"\n",
		status, time.Now().UTC().Format(time.RFC3339), s.nats.IsConnected())
}
