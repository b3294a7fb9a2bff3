package link

import "errors"

var (
	// ErrDeviceNotFound is returned when no serial port carries the
	// configured USB serial number.
	ErrDeviceNotFound = errors.New("link: device not found")

	// ErrOpenFailed is returned when a serial port or GPIO cannot be opened.
	ErrOpenFailed = errors.New("link: open failed")

	// ErrStopped is returned by Send after Stop.
	ErrStopped = errors.New("link: stopped")

	// ErrSendTimeout is returned when the outbound slot stays busy.
	ErrSendTimeout = errors.New("link: send timeout")

	// ErrBusTimeout is returned when a bus controller does not answer in time.
	ErrBusTimeout = errors.New("link: bus reply timeout")

	// ErrBusClosed is returned by Exchange after the bus was released.
	ErrBusClosed = errors.New("link: bus closed")

	// ErrNoBus is returned when a bus device is opened without a Bus.
	ErrNoBus = errors.New("link: no bus configured")

	// ErrPinNotFound is returned when a GPIO name is not known to the host.
	ErrPinNotFound = errors.New("link: gpio pin not found")
)
