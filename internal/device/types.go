package device

import (
	"fmt"
	"strings"
)

// Transport identifies how the host reaches a controller.
type Transport string

// Transport values.
const (
	// TransportUSB is a dedicated USB-serial line per controller.
	TransportUSB Transport = "usb"

	// TransportBus is the shared RS-485 line, addressed by device ID.
	TransportBus Transport = "bus"

	// TransportVirtual is an in-memory controller for the simulator and tests.
	TransportVirtual Transport = "virtual"
)

// ValidTransports lists every accepted transport.
var ValidTransports = []Transport{TransportUSB, TransportBus, TransportVirtual}

// maxLabelLength bounds labels shown on status displays.
const maxLabelLength = 64

// Device is one lock controller ("arduino") guarding a machine.
//
// Devices are built once from configuration and never change while the
// process runs.
type Device struct {
	// ID is the controller's small positive address, also used on the bus.
	ID int `json:"id"`

	// Label is the machine name shown to members, e.g. "Tour Metal".
	Label string `json:"label"`

	Transport Transport `json:"transport"`

	// SerialNumber is the USB serial number used to find the port.
	// Only set for TransportUSB.
	SerialNumber string `json:"serial_number,omitempty"`

	// Baud overrides the transport's default line speed when non-zero.
	Baud int `json:"baud,omitempty"`
}

// Validate checks a device definition.
func (d Device) Validate() error {
	if d.ID <= 0 {
		return fmt.Errorf("%w: id %d must be positive", ErrInvalidDevice, d.ID)
	}
	if strings.TrimSpace(d.Label) == "" {
		return fmt.Errorf("%w: device %d has an empty label", ErrInvalidDevice, d.ID)
	}
	if len(d.Label) > maxLabelLength {
		return fmt.Errorf("%w: device %d label exceeds %d characters", ErrInvalidDevice, d.ID, maxLabelLength)
	}
	if !d.Transport.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTransport, d.Transport)
	}
	if d.Transport == TransportUSB && d.SerialNumber == "" {
		return fmt.Errorf("%w: device %d needs a USB serial number", ErrInvalidDevice, d.ID)
	}
	if d.Baud < 0 {
		return fmt.Errorf("%w: device %d baud must not be negative", ErrInvalidDevice, d.ID)
	}
	return nil
}

// Valid reports whether t is a known transport.
func (t Transport) Valid() bool {
	for _, v := range ValidTransports {
		if t == v {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer.
func (d Device) String() string {
	return fmt.Sprintf("%s#%d (%s)", d.Transport, d.ID, d.Label)
}
