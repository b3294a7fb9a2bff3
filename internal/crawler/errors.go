package crawler

import "errors"

var (
	// ErrNoLinks is returned by New without any device link.
	ErrNoLinks = errors.New("crawler: no device links")

	// ErrNoStore is returned by New without a permission store.
	ErrNoStore = errors.New("crawler: no permission store")

	// ErrDuplicateDevice is returned when two links share a device ID.
	ErrDuplicateDevice = errors.New("crawler: duplicate device id")

	// ErrStateMismatch is returned when the given state owner does not
	// track every linked device.
	ErrStateMismatch = errors.New("crawler: state does not cover every device")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("crawler: already started")

	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("crawler: stopped")
)
