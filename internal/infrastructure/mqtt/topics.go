package mqtt

import (
	"fmt"
	"strconv"
)

// Topic prefixes for the lock controller host.
//
//	okm/devices/{id}/state   retained JSON, current holder of a lock
//	okm/events/{type}        non-retained JSON, denials, unknown keys, timeouts
//	okm/system/status        retained JSON, online/offline (LWT)
const (
	// TopicPrefix is the root of every topic published by the host.
	TopicPrefix = "okm"

	// TopicPrefixDevices is the base for per-device state topics.
	TopicPrefixDevices = TopicPrefix + "/devices"

	// TopicPrefixEvents is the base for event topics.
	TopicPrefixEvents = TopicPrefix + "/events"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = TopicPrefix + "/system"
)

// Event topic suffixes.
const (
	EventDenied     = "denied"
	EventUnknownKey = "unknown_key"
	EventTimeout    = "timeout"
	EventRecovered  = "recovered"
)

// Topics provides builders for okm MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.DeviceState(10)         // "okm/devices/10/state"
//	topics.Event(mqtt.EventDenied) // "okm/events/denied"
type Topics struct{}

// DeviceState returns the retained state topic of a lock controller.
func (Topics) DeviceState(deviceID int) string {
	return TopicPrefixDevices + "/" + strconv.Itoa(deviceID) + "/state"
}

// Event returns the topic for one event type.
func (Topics) Event(eventType string) string {
	return fmt.Sprintf("%s/%s", TopicPrefixEvents, eventType)
}

// SystemStatus returns the topic carrying the host's online status and LWT.
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// AllDeviceStates returns a wildcard matching every device state topic.
func (Topics) AllDeviceStates() string {
	return TopicPrefixDevices + "/+/state"
}

// AllEvents returns a wildcard matching every event topic.
func (Topics) AllEvents() string {
	return TopicPrefixEvents + "/#"
}
