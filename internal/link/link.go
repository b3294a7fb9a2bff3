package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nerrad567/okm-core/internal/device"
)

// DeviceLink carries line-oriented commands to one controller.
//
// Implementations:
//   - USBLink: dedicated serial line with a background pump
//   - BusLink: one address on the shared RS-485 line
//   - VirtualLink: in-memory controller for the simulator and tests
//
// Recv never waits for a message to arrive. On the bus it performs one
// bounded poll exchange; on the other transports it only looks at a queue.
type DeviceLink interface {
	// ID returns the controller's device ID.
	ID() int

	// Send enqueues or transmits an order such as OrderUnlock.
	Send(order string) error

	// Recv returns the next inbound message, if any.
	Recv() (string, bool)

	// Stop terminates background I/O and releases the transport.
	// It is safe to call more than once.
	Stop() error
}

// Port is the subset of a serial port the transports need.
// go.bug.st/serial ports satisfy it.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Options configures Open.
type Options struct {
	// USB tunes the per-controller serial pump.
	USB USBOptions

	// Bus is the shared RS-485 line. Required when a bus device is opened.
	Bus *Bus

	// Virtual receives every VirtualLink created, keyed by device ID, so the
	// simulator can badge on them. Optional.
	Virtual map[int]*VirtualLink

	Logger Logger
}

// Open builds the link for a device according to its transport.
//
// A USB controller that cannot be found returns an error wrapping
// ErrDeviceNotFound. Callers treat that as an operator error and abort
// startup.
func Open(ctx context.Context, d device.Device, opts Options) (DeviceLink, error) {
	log := opts.Logger
	if log == nil {
		log = noopLogger{}
	}

	switch d.Transport {
	case device.TransportUSB:
		usbOpts := opts.USB
		if d.Baud > 0 {
			usbOpts.Baud = d.Baud
		}
		usbOpts.Logger = log
		return OpenUSB(ctx, d.ID, d.SerialNumber, usbOpts)

	case device.TransportBus:
		if opts.Bus == nil {
			return nil, fmt.Errorf("%w: device %d needs the RS-485 bus", ErrNoBus, d.ID)
		}
		return NewBusLink(d.ID, opts.Bus), nil

	case device.TransportVirtual:
		v := NewVirtualLink(d.ID)
		if opts.Virtual != nil {
			opts.Virtual[d.ID] = v
		}
		return v, nil

	default:
		return nil, fmt.Errorf("%w: %q", device.ErrInvalidTransport, d.Transport)
	}
}

// OpenAll opens a link per device. On failure, links already opened are
// stopped and the first error is returned.
func OpenAll(ctx context.Context, devices []device.Device, opts Options) ([]DeviceLink, error) {
	links := make([]DeviceLink, 0, len(devices))
	for _, d := range devices {
		l, err := Open(ctx, d, opts)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("opening %s: %w", d, err), StopAll(links))
		}
		links = append(links, l)
	}
	return links, nil
}

// StopAll stops every link and joins the errors.
func StopAll(links []DeviceLink) error {
	var errs []error
	for _, l := range links {
		if err := l.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping link %d: %w", l.ID(), err))
		}
	}
	return errors.Join(errs...)
}
