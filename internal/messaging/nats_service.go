package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-pager/internal/storage"
)

// NATSService publishes pager lifecycle events so downstream automations
// (dashboards, home-automation rules) can observe deliveries without
// touching the hub's database. Publishing is optional: a nil service or an
// unset URL disables it.
type NATSService struct {
	conn          *nats.Conn
	url           string
	subjectPrefix string
}

// PairingEvent announces a newly paired device
type PairingEvent struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	Timestamp  int64  `json:"timestamp"`
}

// MessageEvent announces a message state transition
type MessageEvent struct {
	MessageID  string `json:"message_id"`
	DeviceID   string `json:"device_id"`
	Priority   string `json:"priority"`
	Transition string `json:"transition"`
	Detail     string `json:"detail,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// Subject suffixes under the configured prefix
const (
	SubjectDevicePaired = "device.paired"
	SubjectMessage      = "message" // + "." + transition
)

// NewNATSService creates a NATS service instance for the given URL and
// subject prefix. Connect must be called before publishing.
func NewNATSService(url, subjectPrefix string) *NATSService {
	if subjectPrefix == "" {
		subjectPrefix = "loqa.pager"
	}
	return &NATSService{
		url:           url,
		subjectPrefix: subjectPrefix,
	}
}

// Connect establishes connection to NATS server
func (ns *NATSService) Connect(maxReconnect int, reconnectWait time.Duration) error {
	log.Printf("🔌 Connecting to NATS at %s", ns.url)

	opts := []nats.Option{
		nats.Name("loqa-pager"),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnect),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Printf("⚠️  NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("🔄 NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Println("🔌 NATS connection closed")
		}),
	}

	conn, err := nats.Connect(ns.url, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	ns.conn = conn
	log.Printf("✅ Connected to NATS server at %s", conn.ConnectedUrl())
	return nil
}

// PublishDevicePaired publishes a pairing completion event
func (ns *NATSService) PublishDevicePaired(device *storage.Device) {
	if ns == nil || ns.conn == nil {
		return
	}

	event := PairingEvent{
		DeviceID:   device.ID,
		DeviceName: device.Name,
		Timestamp:  time.Now().Unix(),
	}
	ns.publish(ns.subjectPrefix+"."+SubjectDevicePaired, event)
}

// PublishMessageTransition publishes a message state transition event on
// a per-transition subject so subscribers can filter server-side.
func (ns *NATSService) PublishMessageTransition(msg *storage.Message, transition, detail string) {
	if ns == nil || ns.conn == nil {
		return
	}

	event := MessageEvent{
		MessageID:  msg.ID,
		DeviceID:   msg.DeviceID,
		Priority:   string(msg.Priority),
		Transition: transition,
		Detail:     detail,
		Timestamp:  time.Now().Unix(),
	}
	ns.publish(fmt.Sprintf("%s.%s.%s", ns.subjectPrefix, SubjectMessage, transition), event)
}

// publish marshals and publishes; failures are logged, never propagated —
// event publishing must not affect delivery correctness.
func (ns *NATSService) publish(subject string, event interface{}) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("❌ Error marshaling event for %s: %v", subject, err)
		return
	}

	if err := ns.conn.Publish(subject, data); err != nil {
		log.Printf("❌ Error publishing to %s: %v", subject, err)
		return
	}
}

// Close closes the NATS connection
func (ns *NATSService) Close() {
	if ns != nil && ns.conn != nil {
		ns.conn.Close()
		log.Println("🔌 NATS connection closed")
	}
}

// IsConnected returns true if connected to NATS
func (ns *NATSService) IsConnected() bool {
	return ns != nil && ns.conn != nil && ns.conn.IsConnected()
}
