// Package mqtt publishes lock controller activity to an MQTT broker.
//
// The host only publishes. Dashboards and door displays subscribe to:
//
//	okm/devices/{id}/state   retained, who holds each machine
//	okm/events/{type}        denied, unknown_key, timeout, recovered
//	okm/system/status        retained online/offline, set by LWT on crash
//
// The client reconnects with exponential backoff. Publishing while the
// broker is unreachable returns ErrNotConnected; callers drop the message
// rather than queue it, so the polling loop never waits on the network.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topic := mqtt.Topics{}.DeviceState(10)
//	client.PublishRetained(topic, []byte(`{"device_id":10,"state":"locked"}`))
package mqtt
