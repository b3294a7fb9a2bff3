package link

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// USB controller defaults.
const (
	defaultUSBBaud = 115200

	// defaultUSBReadTimeout is how long one pump read waits for bytes.
	defaultUSBReadTimeout = 50 * time.Millisecond

	// defaultReadyTimeout bounds the wait for the confirm:ready banner.
	defaultReadyTimeout = 10 * time.Second

	// defaultSendTimeout bounds the wait for the single outbound slot.
	defaultSendTimeout = 5 * time.Second

	defaultInboundQueue = 16

	// readErrorBackoff pauses the pump after a failed read (unplugged cable).
	readErrorBackoff = 500 * time.Millisecond
)

// USBOptions tunes a USB link. Zero values select the defaults.
type USBOptions struct {
	Baud         int
	ReadTimeout  time.Duration
	ReadyTimeout time.Duration // negative disables the wait
	SendTimeout  time.Duration
	InboundQueue int

	// ListPorts enumerates serial ports. Defaults to the OS enumerator.
	ListPorts func() ([]*enumerator.PortDetails, error)

	// OpenPort opens a serial port. Defaults to go.bug.st/serial.
	OpenPort func(name string, baud int) (Port, error)

	Logger Logger
}

func (o *USBOptions) applyDefaults() {
	if o.Baud <= 0 {
		o.Baud = defaultUSBBaud
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = defaultUSBReadTimeout
	}
	if o.ReadyTimeout == 0 {
		o.ReadyTimeout = defaultReadyTimeout
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = defaultSendTimeout
	}
	if o.InboundQueue <= 0 {
		o.InboundQueue = defaultInboundQueue
	}
	if o.ListPorts == nil {
		o.ListPorts = enumerator.GetDetailedPortsList
	}
	if o.OpenPort == nil {
		o.OpenPort = openSerialPort
	}
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
}

func openSerialPort(name string, baud int) (Port, error) {
	return serial.Open(name, &serial.Mode{BaudRate: baud})
}

// USBStats holds operational counters for one USB link.
type USBStats struct {
	FramesRx   uint64
	FramesTx   uint64
	Dropped    uint64 // inbound frames discarded because the queue was full
	ReadErrors uint64
	Ready      bool // confirm:ready seen (or wait disabled)
}

// Ensure USBLink implements DeviceLink.
var _ DeviceLink = (*USBLink)(nil)

// USBLink drives a controller on its own USB-serial line.
//
// A pump goroutine owns the port: it drains inbound frames into a bounded
// queue and writes orders from a single-slot outbound queue. Send and Recv
// only touch the queues.
//
// Thread Safety:
//   - Send, Recv, Stats and Stop are safe for concurrent use.
//   - The queues are single-producer/single-consumer; one crawler reads.
type USBLink struct {
	id       int
	port     Port
	frames   *frameReader
	opts     USBOptions
	log      Logger
	inbound  chan string
	outbound chan string

	done      *closeOnce
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error

	framesRx   atomic.Uint64
	framesTx   atomic.Uint64
	dropped    atomic.Uint64
	readErrors atomic.Uint64
	ready      atomic.Bool
}

// FindPortBySerial returns the port whose USB serial number matches.
// The comparison ignores case since some platforms upper-case the value.
func FindPortBySerial(serialNumber string, list func() ([]*enumerator.PortDetails, error)) (string, error) {
	ports, err := list()
	if err != nil {
		return "", fmt.Errorf("%w: listing serial ports: %w", ErrOpenFailed, err)
	}
	for _, p := range ports {
		if p.IsUSB && strings.EqualFold(p.SerialNumber, serialNumber) {
			return p.Name, nil
		}
	}
	return "", fmt.Errorf("%w: no USB serial port with serial number %s", ErrDeviceNotFound, serialNumber)
}

// OpenUSB locates the controller by USB serial number, opens its port and
// starts the pump.
//
// Parameters:
//   - ctx: Checked before touching the hardware
//   - id: Device ID
//   - serialNumber: USB serial number of the controller
//   - opts: Link tuning; zero values select defaults
//
// Returns:
//   - *USBLink: Running link
//   - error: ErrDeviceNotFound if no port matches, ErrOpenFailed otherwise
func OpenUSB(ctx context.Context, id int, serialNumber string, opts USBOptions) (*USBLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts.applyDefaults()

	name, err := FindPortBySerial(serialNumber, opts.ListPorts)
	if err != nil {
		return nil, err
	}

	port, err := opts.OpenPort(name, opts.Baud)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpenFailed, name, err)
	}
	if err := port.SetReadTimeout(opts.ReadTimeout); err != nil {
		port.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("%w: setting read timeout on %s: %w", ErrOpenFailed, name, err)
	}

	opts.Logger.Info("usb controller found", "device_id", id, "port", name, "baud", opts.Baud)
	return newUSBLink(id, port, opts), nil
}

// newUSBLink starts a pump on an already opened port.
func newUSBLink(id int, port Port, opts USBOptions) *USBLink {
	opts.applyDefaults()
	l := &USBLink{
		id:       id,
		port:     port,
		frames:   newFrameReader(port),
		opts:     opts,
		log:      opts.Logger,
		inbound:  make(chan string, opts.InboundQueue),
		outbound: make(chan string, 1),
		done:     newCloseOnce(),
	}

	l.wg.Add(1)
	go l.pump()
	return l
}

// ID implements DeviceLink.
func (l *USBLink) ID() int {
	return l.id
}

// Send places an order in the outbound slot, waiting up to the send timeout
// for the previous order to be written.
func (l *USBLink) Send(order string) error {
	select {
	case <-l.done.Done():
		return ErrStopped
	default:
	}

	timer := time.NewTimer(l.opts.SendTimeout)
	defer timer.Stop()

	select {
	case l.outbound <- order:
		return nil
	case <-l.done.Done():
		return ErrStopped
	case <-timer.C:
		return fmt.Errorf("%w: device %d", ErrSendTimeout, l.id)
	}
}

// Recv returns the oldest queued inbound message without waiting.
func (l *USBLink) Recv() (string, bool) {
	select {
	case msg := <-l.inbound:
		return msg, true
	default:
		return "", false
	}
}

// Stop ends the pump and closes the port.
func (l *USBLink) Stop() error {
	l.done.Close()
	l.wg.Wait()
	l.closeOnce.Do(func() {
		if err := l.port.Close(); err != nil {
			l.closeErr = fmt.Errorf("closing usb port for device %d: %w", l.id, err)
		}
	})
	return l.closeErr
}

// Stats returns a snapshot of the link counters.
func (l *USBLink) Stats() USBStats {
	return USBStats{
		FramesRx:   l.framesRx.Load(),
		FramesTx:   l.framesTx.Load(),
		Dropped:    l.dropped.Load(),
		ReadErrors: l.readErrors.Load(),
		Ready:      l.ready.Load(),
	}
}

func (l *USBLink) pump() {
	defer l.wg.Done()

	l.awaitReady()

	for {
		select {
		case <-l.done.Done():
			return
		default:
		}

		// Pending orders go out before the next read.
		if len(l.outbound) == 0 {
			l.readOnce()
		}

		select {
		case msg := <-l.outbound:
			l.write(msg)
		default:
		}
	}
}

// awaitReady discards traffic until the firmware prints confirm:ready.
func (l *USBLink) awaitReady() {
	if l.opts.ReadyTimeout < 0 {
		l.ready.Store(true)
		return
	}

	deadline := time.Now().Add(l.opts.ReadyTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-l.done.Done():
			return
		default:
		}

		frame, ok, err := l.frames.readFrame()
		if err != nil {
			l.readErrors.Add(1)
			if !l.backoff() {
				return
			}
			continue
		}
		if ok && strings.Contains(frame, ConfirmReady) {
			l.ready.Store(true)
			l.log.Info("usb controller ready", "device_id", l.id)
			return
		}
		if ok {
			l.log.Debug("discarding frame before ready", "device_id", l.id, "frame", frame)
		}
	}

	l.log.Warn("usb controller sent no ready banner, continuing",
		"device_id", l.id,
		"timeout", l.opts.ReadyTimeout,
	)
}

func (l *USBLink) readOnce() {
	frame, ok, err := l.frames.readFrame()
	if err != nil {
		if l.readErrors.Add(1) == 1 {
			l.log.Error("usb read failed", "device_id", l.id, "error", err)
		}
		l.backoff()
		return
	}
	if !ok {
		return
	}

	l.framesRx.Add(1)
	l.log.Debug("controller -> host", "device_id", l.id, "frame", frame)
	l.deliver(frame)
}

// deliver queues a frame, discarding the oldest one when the queue is full.
func (l *USBLink) deliver(frame string) {
	select {
	case l.inbound <- frame:
		return
	default:
	}

	select {
	case old := <-l.inbound:
		l.dropped.Add(1)
		l.log.Warn("inbound queue full, dropping oldest frame", "device_id", l.id, "frame", old)
	default:
	}

	select {
	case l.inbound <- frame:
	default:
		l.dropped.Add(1)
	}
}

func (l *USBLink) write(msg string) {
	if _, err := l.port.Write(Encode(msg)); err != nil {
		l.log.Error("usb write failed", "device_id", l.id, "order", msg, "error", err)
		return
	}
	l.framesTx.Add(1)
	l.log.Debug("host -> controller", "device_id", l.id, "frame", msg)
}

// backoff waits after a read error. It reports false when the link stopped.
func (l *USBLink) backoff() bool {
	timer := time.NewTimer(readErrorBackoff)
	defer timer.Stop()
	select {
	case <-l.done.Done():
		return false
	case <-timer.C:
		return true
	}
}
