package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementLockEvent      = "lock_event"
	MeasurementBadgeDenied    = "badge_denied"
	MeasurementConfirmTimeout = "confirm_timeout"
)

// WriteLockEvent records a confirmed unlock or lock.
//
// A lock closing a session carries the session length in duration_seconds,
// which is what billing sums per key. Unlocks pass a zero duration and get
// no duration field.
//
//	client.WriteLockEvent(10, "ABC123", "locked", 42*time.Minute, now)
func (c *Client) WriteLockEvent(deviceID int, keyID, state string, duration time.Duration, at time.Time) {
	fields := map[string]interface{}{
		"count": 1,
	}
	if duration > 0 {
		fields["duration_seconds"] = duration.Seconds()
	}
	c.write(MeasurementLockEvent, map[string]string{
		"device": strconv.Itoa(deviceID),
		"key":    keyID,
		"state":  state,
	}, fields, at)
}

// WriteBadgeDenied records a refused badge with the refusal reason.
func (c *Client) WriteBadgeDenied(deviceID int, keyID, reason string, at time.Time) {
	c.write(MeasurementBadgeDenied, map[string]string{
		"device": strconv.Itoa(deviceID),
		"key":    keyID,
		"reason": reason,
	}, map[string]interface{}{"count": 1}, at)
}

// WriteConfirmTimeout records a controller that did not confirm an order.
func (c *Client) WriteConfirmTimeout(deviceID int, keyID string, at time.Time) {
	c.write(MeasurementConfirmTimeout, map[string]string{
		"device": strconv.Itoa(deviceID),
		"key":    keyID,
	}, map[string]interface{}{"count": 1}, at)
}

// WritePoint writes a custom point timestamped now.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	c.write(measurement, tags, fields, time.Now())
}

func (c *Client) write(measurement string, tags map[string]string, fields map[string]interface{}, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writer.WritePoint(write.NewPoint(measurement, tags, fields, at))
}
