package events

import (
	"time"

	"github.com/nerrad567/okm-core/internal/crawler"
)

// PointWriter is the subset of influxdb.Client used to record events.
type PointWriter interface {
	WriteLockEvent(deviceID int, keyID, state string, duration time.Duration, at time.Time)
	WriteBadgeDenied(deviceID int, keyID, reason string, at time.Time)
	WriteConfirmTimeout(deviceID int, keyID string, at time.Time)
}

// MetricsRecorder turns crawler events into time-series points.
type MetricsRecorder struct {
	w PointWriter
}

// NewMetricsRecorder creates a recorder writing to w.
func NewMetricsRecorder(w PointWriter) *MetricsRecorder {
	return &MetricsRecorder{w: w}
}

// Notify implements crawler.Observer.
func (r *MetricsRecorder) Notify(e crawler.Event) {
	switch e.Type {
	case crawler.EventUnlocked:
		r.w.WriteLockEvent(e.DeviceID, e.KeyID, "unlocked", 0, e.Time)
	case crawler.EventLocked:
		r.w.WriteLockEvent(e.DeviceID, e.KeyID, "locked", e.Duration, e.Time)
	case crawler.EventRecovered:
		r.w.WriteLockEvent(e.DeviceID, e.KeyID, "error", e.Duration, e.Time)
	case crawler.EventDenied:
		r.w.WriteBadgeDenied(e.DeviceID, e.KeyID, e.Reason, e.Time)
	case crawler.EventUnknownKey:
		r.w.WriteBadgeDenied(e.DeviceID, e.KeyID, crawler.ReasonUnknownKey, e.Time)
	case crawler.EventTimeout:
		r.w.WriteConfirmTimeout(e.DeviceID, e.KeyID, e.Time)
	}
}
