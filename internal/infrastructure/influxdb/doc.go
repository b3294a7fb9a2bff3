// Package influxdb records lock activity in InfluxDB v2.
//
// Measurements:
//
//	lock_event       tags device, key, state; fields count, duration_seconds (locks)
//	badge_denied     tags device, key, reason; field count
//	confirm_timeout  tags device, key; field count
//
// duration_seconds on lock_event is the length of the session the lock
// closed, so machine time per member is a single sum() query.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // metrics off
//	}
//	defer client.Close()
//
// # Thread Safety
//
// All methods are safe for concurrent use. Writes are batched according to
// batch_size and flush_interval and never block the caller; write failures
// are reported through SetOnError.
package influxdb
