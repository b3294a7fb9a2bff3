// Package events forwards crawler events to the outside world.
//
// Each forwarder implements crawler.Observer and is meant to sit behind a
// crawler.AsyncObserver, so a slow broker or metrics server never holds up
// the poll loop:
//
//	MQTTPublisher   retained device state and event topics on the broker
//	MetricsRecorder lock_event / badge_denied / confirm_timeout points
//
// Both take narrow interfaces (Publisher, PointWriter) satisfied by the
// clients in internal/infrastructure.
package events
