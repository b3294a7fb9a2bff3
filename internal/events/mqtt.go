package events

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/nerrad567/okm-core/internal/crawler"
	"github.com/nerrad567/okm-core/internal/infrastructure/mqtt"
)

// Publisher is the subset of mqtt.Client used to forward events.
type Publisher interface {
	PublishRetained(topic string, payload []byte) error
	PublishEvent(topic string, payload []byte) error
}

// Logger is the logging surface used by the forwarders.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// DeviceState is the retained payload on okm/devices/{id}/state.
type DeviceState struct {
	DeviceID int    `json:"device_id"`
	State    string `json:"state"`
	KeyID    string `json:"key_id,omitempty"`
	Since    string `json:"since,omitempty"`
}

// eventPayload is published on okm/events/{type}.
type eventPayload struct {
	DeviceID int    `json:"device_id"`
	KeyID    string `json:"key_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Time     string `json:"time"`
}

// MQTTPublisher publishes crawler events to the broker.
type MQTTPublisher struct {
	pub    Publisher
	topics mqtt.Topics
	logger Logger
}

// NewMQTTPublisher creates a publisher. A nil logger discards messages.
func NewMQTTPublisher(pub Publisher, logger Logger) *MQTTPublisher {
	if logger == nil {
		logger = noopLogger{}
	}
	return &MQTTPublisher{pub: pub, logger: logger}
}

// Notify implements crawler.Observer.
func (p *MQTTPublisher) Notify(e crawler.Event) {
	switch e.Type {
	case crawler.EventUnlocked:
		p.publishState(DeviceState{
			DeviceID: e.DeviceID,
			State:    "unlocked",
			KeyID:    e.KeyID,
			Since:    formatTime(e.Time),
		})
	case crawler.EventLocked:
		p.publishState(DeviceState{DeviceID: e.DeviceID, State: "locked"})
	case crawler.EventRecovered:
		p.publishState(DeviceState{DeviceID: e.DeviceID, State: "locked"})
		p.publishEvent(mqtt.EventRecovered, e)
	case crawler.EventDenied:
		p.publishEvent(mqtt.EventDenied, e)
	case crawler.EventUnknownKey:
		p.publishEvent(mqtt.EventUnknownKey, e)
	case crawler.EventTimeout:
		p.publishEvent(mqtt.EventTimeout, e)
	}
}

// PublishSnapshot publishes the retained state of every device, so
// subscribers see a complete picture after the host restarts.
func (p *MQTTPublisher) PublishSnapshot(holders map[int]crawler.Holder) {
	for id, h := range holders {
		s := DeviceState{DeviceID: id, State: "locked"}
		if !h.Locked() {
			s.State = "unlocked"
			s.KeyID = h.KeyID
			s.Since = formatTime(h.Since)
		}
		p.publishState(s)
	}
}

func (p *MQTTPublisher) publishState(s DeviceState) {
	payload, err := json.Marshal(s)
	if err != nil {
		p.logger.Warn("encoding device state failed", "device_id", s.DeviceID, "error", err)
		return
	}
	p.report(p.pub.PublishRetained(p.topics.DeviceState(s.DeviceID), payload), s.DeviceID)
}

func (p *MQTTPublisher) publishEvent(kind string, e crawler.Event) {
	payload, err := json.Marshal(eventPayload{
		DeviceID: e.DeviceID,
		KeyID:    e.KeyID,
		Reason:   e.Reason,
		Time:     formatTime(e.Time),
	})
	if err != nil {
		p.logger.Warn("encoding event failed", "device_id", e.DeviceID, "error", err)
		return
	}
	p.report(p.pub.PublishEvent(p.topics.Event(kind), payload), e.DeviceID)
}

func (p *MQTTPublisher) report(err error, deviceID int) {
	switch {
	case err == nil:
	case errors.Is(err, mqtt.ErrNotConnected):
		p.logger.Debug("broker offline, event dropped", "device_id", deviceID)
	default:
		p.logger.Warn("MQTT publish failed", "device_id", deviceID, "error", err)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
